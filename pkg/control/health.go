package control

import (
	"net"
	"time"

	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/logging"
	"github.com/core-tools/hsu-keeper/pkg/processtable"
	"github.com/core-tools/hsu-keeper/pkg/supervisor"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthPublisher mirrors worker liveness into a gRPC health server.
// Each worker is a service named after it; "" reports the keeper itself.
type HealthPublisher struct {
	server *health.Server
	logger logging.Logger
}

var _ supervisor.Observer = (*HealthPublisher)(nil)

func NewHealthPublisher(logger logging.Logger) *HealthPublisher {
	server := health.NewServer()
	server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthPublisher{
		server: server,
		logger: logger,
	}
}

// Server returns the underlying health service for registration
func (hp *HealthPublisher) Server() *health.Server {
	return hp.server
}

// SetKeeperServing flips the status of the keeper itself
func (hp *HealthPublisher) SetKeeperServing(serving bool) {
	hp.server.SetServingStatus("", servingStatus(serving))
}

func (hp *HealthPublisher) SlotRunning(name string, running bool) {
	hp.logger.Debugf("Health status, worker: %s, running: %t", name, running)
	hp.server.SetServingStatus(name, servingStatus(running))
}

func (hp *HealthPublisher) SlotRemoved(name string) {
	hp.server.SetServingStatus(name, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
}

func (hp *HealthPublisher) SlotRestarted(string, supervisor.RestartReason)                          {}
func (hp *HealthPublisher) SpawnFailed(string)                                                      {}
func (hp *HealthPublisher) DuplicateKilled(string, processtable.TerminationResult)                  {}
func (hp *HealthPublisher) ProcessTerminated(string, processtable.TerminationResult, time.Duration) {}
func (hp *HealthPublisher) CooldownWaited(string, time.Duration)                                    {}

// Shutdown marks every service NOT_SERVING and ignores later updates
func (hp *HealthPublisher) Shutdown() {
	hp.server.Shutdown()
}

func servingStatus(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// GRPCServer serves the standard gRPC health protocol
type GRPCServer struct {
	server *grpc.Server
	logger logging.Logger
}

func NewGRPCServer(publisher *HealthPublisher, logger logging.Logger) *GRPCServer {
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, publisher.Server())
	return &GRPCServer{
		server: server,
		logger: logger,
	}
}

// Serve blocks until Stop is called or the listener fails
func (s *GRPCServer) Serve(listener net.Listener) error {
	s.logger.Infof("gRPC health server listening on %s", listener.Addr())
	if err := s.server.Serve(listener); err != nil && err != grpc.ErrServerStopped {
		return errors.NewIOError("gRPC server failed", err).WithContext("address", listener.Addr().String())
	}
	return nil
}

func (s *GRPCServer) Stop() {
	s.server.GracefulStop()
	s.logger.Infof("gRPC health server stopped")
}

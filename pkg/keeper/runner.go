package keeper

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/core-tools/hsu-keeper/pkg/config"
	"github.com/core-tools/hsu-keeper/pkg/control"
	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/launch"
	"github.com/core-tools/hsu-keeper/pkg/logging"
	"github.com/core-tools/hsu-keeper/pkg/process"
	"github.com/core-tools/hsu-keeper/pkg/processfile"
	"github.com/core-tools/hsu-keeper/pkg/processtable"
	"github.com/core-tools/hsu-keeper/pkg/supervisor"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ShutdownTimeout bounds how long the control servers may take to drain
const ShutdownTimeout = 10 * time.Second

// Runner owns everything a running keeper needs
type Runner struct {
	options *Options
	logger  logging.Logger

	store      *config.Store
	supervisor *supervisor.Supervisor
	keeper     *Keeper
	metrics    *supervisor.PrometheusObserver
	health     *control.HealthPublisher

	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *control.GRPCServer
	grpcListener net.Listener

	wg sync.WaitGroup
}

// NewRunner loads the configuration document and builds the supervisor and control servers.
// No worker is spawned until Start. A document that no tier can supply is fatal.
func NewRunner(options *Options, logger logging.Logger) (*Runner, error) {
	if err := ValidateOptions(options); err != nil {
		return nil, err
	}

	k := options.Keeper
	logger.Infof("Using CONFIGURATION FILE: %s", k.ConfigPath)

	store := config.NewStore(k.ConfigPath, logging.WithPrefix(logger, "config , "))
	doc, err := store.Load()
	if err != nil {
		return nil, err
	}
	logger.Infof("Configuration loaded, tier: %s, projects: %d, check interval: %v",
		store.LoadedFrom(), len(doc.Projects), doc.CheckInterval)

	resolver, err := launch.NewResolver(k.BaseDir, k.Interpreters)
	if err != nil {
		return nil, err
	}

	specs, err := resolver.ResolveAll(doc)
	if err != nil {
		logger.Warnf("Some projects could not be resolved: %v", err)
	}

	r := &Runner{
		options: options,
		logger:  logger,
		store:   store,
		metrics: supervisor.NewPrometheusObserver(""),
		health:  control.NewHealthPublisher(logging.WithPrefix(logger, "health , ")),
	}

	supervisorOptions := supervisor.Options{
		Cooldown:      k.Cooldown,
		GraceTimeout:  k.GraceTimeout,
		CheckInterval: doc.CheckInterval,
		CooldownMode:  k.CooldownMode,
		Spawner:       process.NewExecSpawner(k.Environment, logger),
		Table:         processtable.NewSystemTable(logger),
		Observer:      supervisor.NewMultiObserver(r.metrics, r.health),
	}
	if pidFiles := newPIDFiles(k, logging.WithPrefix(logger, "pid , ")); pidFiles != nil {
		supervisorOptions.PIDFiles = pidFiles
	}

	sup, err := supervisor.New(supervisorOptions, specs, logger)
	if sup == nil {
		return nil, err
	}
	if err != nil {
		logger.Warnf("Some workers were skipped: %v", err)
	}

	r.supervisor = sup
	r.keeper = New(store, resolver, sup, r.metrics, logger)
	logger.Infof("Supervising workers: %s", strings.Join(sup.Names(), ", "))

	if err := r.listen(); err != nil {
		return nil, err
	}

	return r, nil
}

// newPIDFiles returns nil unless pid_dir or pid_context is set.
// Without pid_dir the files go to an application subdirectory of the context's OS default.
func newPIDFiles(k KeeperOptions, logger logging.Logger) *processfile.Manager {
	if k.PIDDir == "" && k.PIDContext == "" {
		return nil
	}

	config := processfile.Config{
		BaseDirectory:   k.PIDDir,
		UseSubdirectory: k.PIDDir == "",
	}
	if k.PIDContext != "" {
		serviceContext, err := processfile.ParseServiceContext(k.PIDContext)
		if err != nil {
			logger.Warnf("Using default PID file context: %v", err)
		} else {
			config.ServiceContext = serviceContext
		}
	}
	return processfile.NewManager(config, logger)
}

func (r *Runner) listen() error {
	controlOptions := r.options.Control

	if !controlOptions.Disabled {
		listener, err := net.Listen("tcp", controlOptions.HTTPAddress)
		if err != nil {
			return errors.NewIOError("failed to listen for control requests", err).
				WithContext("address", controlOptions.HTTPAddress)
		}
		metricsHandler := promhttp.HandlerFor(r.metrics.Registry(), promhttp.HandlerOpts{})
		r.httpListener = listener
		r.httpServer = &http.Server{
			Handler:           control.NewHandler(r.keeper, metricsHandler, logging.WithPrefix(r.logger, "control , ")),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if controlOptions.GRPCPort != 0 {
		address := fmt.Sprintf(":%d", controlOptions.GRPCPort)
		listener, err := net.Listen("tcp", address)
		if err != nil {
			if r.httpListener != nil {
				r.httpListener.Close()
			}
			return errors.NewIOError("failed to listen for health checks", err).WithContext("address", address)
		}
		r.grpcListener = listener
		r.grpcServer = control.NewGRPCServer(r.health, r.logger)
	}

	return nil
}

// Keeper returns the operation surface
func (r *Runner) Keeper() *Keeper {
	return r.keeper
}

// HTTPAddress returns the bound control address, "" when the HTTP surface is disabled
func (r *Runner) HTTPAddress() string {
	if r.httpListener == nil {
		return ""
	}
	return r.httpListener.Addr().String()
}

// GRPCAddress returns the bound health address, "" when the health publisher is disabled
func (r *Runner) GRPCAddress() string {
	if r.grpcListener == nil {
		return ""
	}
	return r.grpcListener.Addr().String()
}

// Start serves the control surface and spawns every worker
func (r *Runner) Start(ctx context.Context) error {
	if r.httpServer != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.logger.Infof("Control HTTP server listening on %s", r.httpListener.Addr())
			if err := r.httpServer.Serve(r.httpListener); err != nil && err != http.ErrServerClosed {
				r.logger.Errorf("Control HTTP server failed: %v", err)
			}
		}()
	}

	if r.grpcServer != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.grpcServer.Serve(r.grpcListener); err != nil {
				r.logger.Errorf("%v", err)
			}
		}()
	}

	if err := r.supervisor.StartAll(ctx); err != nil {
		return err
	}
	r.health.SetKeeperServing(true)

	r.logger.Infof("All workers started, keeper is fully operational")
	return nil
}

// Stop shuts the control surface down and terminates every worker
func (r *Runner) Stop(ctx context.Context) {
	r.health.SetKeeperServing(false)

	if r.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Warnf("Control HTTP server shutdown: %v", err)
		}
		cancel()
	}

	r.supervisor.StopAll(ctx)

	r.health.Shutdown()
	if r.grpcServer != nil {
		r.grpcServer.Stop()
	}

	r.wg.Wait()
}

// Run starts a keeper and blocks until SIGINT/SIGTERM or until runDuration elapses
func Run(runDuration time.Duration, options *Options, logger logging.Logger) error {
	logger.Infof("Keeper runner starting...")

	ctx := context.Background()
	if runDuration > 0 {
		logger.Infof("Using RUN DURATION of %v", runDuration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runDuration)
		defer cancel()
	}

	runner, err := NewRunner(options, logger)
	if err != nil {
		return err
	}

	logger.Infof("Enabling signal handling...")

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	logger.Infof("Keeper is ready, starting workers...")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Start(ctx); err != nil {
			logger.Errorf("Failed to start keeper: %v", err)
		}
	}()

	select {
	case receivedSignal := <-sig:
		logger.Infof("Keeper runner received signal: %v", receivedSignal)
	case <-ctx.Done():
		logger.Infof("Keeper runner timed out")
	}

	logger.Infof("Waiting for workers start to finish...")
	wg.Wait()

	runner.Stop(context.Background())

	logger.Infof("Keeper runner stopped")
	return nil
}

// ValidateConfigFile checks a configuration document without running anything
func ValidateConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.NewIOError("failed to read configuration", err).WithContext("path", path)
	}
	_, err = config.Parse(data)
	return err
}

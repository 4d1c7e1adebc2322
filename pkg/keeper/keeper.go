package keeper

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"

	"github.com/core-tools/hsu-keeper/pkg/config"
	"github.com/core-tools/hsu-keeper/pkg/domain"
	"github.com/core-tools/hsu-keeper/pkg/errors"
	"github.com/core-tools/hsu-keeper/pkg/launch"
	"github.com/core-tools/hsu-keeper/pkg/logging"
	"github.com/core-tools/hsu-keeper/pkg/supervisor"
)

// ConfigRecorder counts configuration operations
type ConfigRecorder interface {
	ConfigOperation(operation string, accepted bool)
}

// Keeper binds the configuration store, the resolver and the supervisor into the operation surface
type Keeper struct {
	store      *config.Store
	resolver   *launch.Resolver
	supervisor *supervisor.Supervisor
	recorder   ConfigRecorder
	logger     logging.Logger

	// Serializes document replacement together with fleet reconciliation
	configMutex sync.Mutex
}

var _ domain.Contract = (*Keeper)(nil)

// New creates a keeper; recorder may be nil
func New(store *config.Store, resolver *launch.Resolver, sup *supervisor.Supervisor, recorder ConfigRecorder, logger logging.Logger) *Keeper {
	return &Keeper{
		store:      store,
		resolver:   resolver,
		supervisor: sup,
		recorder:   recorder,
		logger:     logger,
	}
}

func (k *Keeper) QueryStatus(ctx context.Context) (map[string]domain.WorkerStatus, error) {
	statuses := k.supervisor.QueryStatus()
	result := make(map[string]domain.WorkerStatus, len(statuses))
	for name, status := range statuses {
		result[name] = domain.WorkerStatus{
			Running:       status.Running,
			PID:           status.PID,
			LastRestartAt: status.LastRestartAt,
			State:         string(status.State),
			Target:        status.Target,
			Restarts:      status.Restarts,
			LastError:     status.LastError,
		}
	}
	return result, nil
}

func (k *Keeper) RestartOne(ctx context.Context, name string) error {
	return k.supervisor.RestartOne(ctx, name)
}

func (k *Keeper) UpdateAndRestart(ctx context.Context, name string, artifact []byte) error {
	return k.supervisor.UpdateAndRestart(ctx, name, artifact)
}

func (k *Keeper) GetConfig(ctx context.Context) ([]byte, error) {
	return k.store.Snapshot()
}

// ReloadConfig validates and persists raw as the new document, then applies it to the fleet.
// A rejected document leaves both the files and the fleet untouched.
func (k *Keeper) ReloadConfig(ctx context.Context, raw []byte) (string, error) {
	k.configMutex.Lock()
	defer k.configMutex.Unlock()

	doc, err := k.store.ReplaceBytes(raw)
	k.record("reload", err == nil)
	if err != nil {
		return "", err
	}

	k.logger.Infof("Configuration reloaded, projects: %d", len(doc.Projects))
	return k.apply(ctx, doc), nil
}

// RestoreConfig promotes the named backup tier to primary and applies it to the fleet
func (k *Keeper) RestoreConfig(ctx context.Context, tierName string) (string, error) {
	tier, err := config.ParseTier(tierName)
	if err != nil {
		k.record("restore", false)
		return "", err
	}

	k.configMutex.Lock()
	defer k.configMutex.Unlock()

	doc, err := k.store.Restore(tier)
	k.record("restore", err == nil)
	if err != nil {
		return "", err
	}

	k.logger.Infof("Configuration restored, tier: %s, projects: %d", tier, len(doc.Projects))
	return k.apply(ctx, doc), nil
}

func (k *Keeper) ListBackups(ctx context.Context) ([]string, error) {
	tiers := k.store.AvailableBackups()
	backups := make([]string, 0, len(tiers))
	for _, tier := range tiers {
		backups = append(backups, string(tier))
	}
	return backups, nil
}

// apply reconciles the fleet with an accepted document and describes any problem doing so
func (k *Keeper) apply(ctx context.Context, doc *config.Document) string {
	var problems []string

	specs, err := k.resolver.ResolveAll(doc)
	if err != nil {
		k.logger.Warnf("Some projects could not be resolved: %v", err)
		problems = append(problems, describe(err)...)
	}

	if err := k.supervisor.Reconcile(ctx, specs); err != nil {
		k.logger.Errorf("Failed to apply configuration to workers: %v", err)
		problems = append(problems, describe(err)...)
	}

	k.supervisor.SetCheckInterval(doc.CheckInterval)
	k.logger.Infof("Workers after reconcile: %s", strings.Join(k.supervisor.Names(), ", "))

	return strings.Join(problems, "; ")
}

func describe(err error) []string {
	var collection *errors.ErrorCollection
	if stdErrors.As(err, &collection) {
		messages := make([]string, 0, len(collection.Errors))
		for _, e := range collection.Errors {
			messages = append(messages, e.Error())
		}
		return messages
	}
	return []string{err.Error()}
}

func (k *Keeper) record(operation string, accepted bool) {
	if k.recorder != nil {
		k.recorder.ConfigOperation(operation, accepted)
	}
}

package threat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bluelight-hub/aegis/internal/domain/threat"
)

// Loader reads loadable rule definitions from the store, constructs their
// implementations and keeps the engine registry in sync. Reload compares
// id@version keys, so only created, updated and deleted rules touch the
// registry.
type Loader struct {
	store    threat.RuleStore
	engine   *Engine
	logger   *zap.Logger
	interval time.Duration

	mu sync.Mutex
	// loaded maps rule id to the id@version key last registered.
	loaded map[string]string
}

// NewLoader creates a loader. A non-positive interval disables hot reload;
// Load can still be called manually.
func NewLoader(store threat.RuleStore, engine *Engine, logger *zap.Logger, interval time.Duration) *Loader {
	return &Loader{
		store:    store,
		engine:   engine,
		logger:   logger,
		interval: interval,
		loaded:   make(map[string]string),
	}
}

// Run loads once, then reloads on the configured interval until the context
// is cancelled. The initial load error is returned; reload errors are logged
// and retried next tick.
func (l *Loader) Run(ctx context.Context) error {
	if err := l.Load(ctx); err != nil {
		return err
	}
	if l.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Load(ctx); err != nil {
				l.logger.Error("rule reload failed", zap.Error(err))
			}
		}
	}
}

// Load syncs the engine registry with the store: registers new and updated
// rules where status is ACTIVE or TESTING, unregisters rules that were
// deleted or disabled. A definition that fails construction or validation
// is skipped and logged; the rest of the sync proceeds.
func (l *Loader) Load(ctx context.Context) error {
	defs, err := l.store.ListLoadable(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{}, len(defs))
	registered, skipped := 0, 0
	for _, def := range defs {
		id := def.ID.String()
		seen[id] = struct{}{}

		key := def.VersionKey()
		if l.loaded[id] == key {
			continue
		}

		rule, err := NewRule(def)
		if err != nil {
			skipped++
			l.logger.Warn("skipping unloadable rule",
				zap.String("rule_id", id),
				zap.String("rule_name", def.Name),
				zap.Error(err))
			continue
		}
		if err := l.engine.Register(rule); err != nil {
			skipped++
			l.logger.Warn("rule registration refused",
				zap.String("rule_id", id),
				zap.Error(err))
			continue
		}
		l.loaded[id] = key
		registered++
	}

	removed := 0
	for id := range l.loaded {
		if _, ok := seen[id]; ok {
			continue
		}
		l.engine.Unregister(id)
		delete(l.loaded, id)
		removed++
	}

	if registered > 0 || removed > 0 || skipped > 0 {
		l.logger.Info("rule registry synced",
			zap.Int("registered", registered),
			zap.Int("removed", removed),
			zap.Int("skipped", skipped),
			zap.Int("total", len(l.loaded)))
	}
	return nil
}

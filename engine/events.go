package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/xraph/tenantflow/event"
	"github.com/xraph/tenantflow/scope"
)

// listener applies bus events that change node-local state: cached results
// of a changed entity and handler contexts of a cancelled instance. Events
// from other nodes arrive the same way when the bus is distributed.
type listener struct {
	eng *Engine

	mu    sync.Mutex
	unsub func()
}

func (l *listener) Start(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unsub == nil {
		l.unsub = l.eng.bus.Subscribe(l.handle)
	}
	return nil
}

func (l *listener) Stop(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unsub != nil {
		l.unsub()
		l.unsub = nil
	}
	return nil
}

func (l *listener) handle(ctx context.Context, evt event.Event) {
	switch evt.Kind {
	case event.EntityChanged:
		if evt.OrgID == "" || evt.EntityRef == "" {
			return
		}
		n, err := l.eng.cache.InvalidateEntity(scope.WithOrg(ctx, evt.OrgID), evt.OrgID, evt.EntityRef)
		if err != nil {
			l.eng.logger.Warn("invalidating changed entity",
				slog.String("org_id", evt.OrgID),
				slog.String("entity_ref", evt.EntityRef),
				slog.String("error", err.Error()),
			)
			return
		}
		if n > 0 {
			l.eng.logger.Debug("entity change applied",
				slog.String("org_id", evt.OrgID),
				slog.String("entity_ref", evt.EntityRef),
				slog.Int("entries", n),
			)
		}
	case event.InstanceCancelled:
		if evt.InstanceID.IsNil() {
			return
		}
		if n := l.eng.pool.CancelInstance(evt.InstanceID); n > 0 {
			l.eng.logger.Info("cancelled instance interrupted",
				slog.String("org_id", evt.OrgID),
				slog.String("instance_id", evt.InstanceID.String()),
				slog.Int("interrupted", n),
			)
		}
	}
}

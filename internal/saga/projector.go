package saga

import (
	"context"

	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/events"
	"github.com/andreasstove999/marketplace-saga/internal/logging"
	"github.com/andreasstove999/marketplace-saga/internal/messaging"
)

// Projector folds the whole event catalog into per-saga projections and
// serves them to readers. It never publishes and never affects the saga.
type Projector struct {
	store  Store
	cache  Cache
	logger *zap.Logger
}

// NewProjector builds a projector. A nil cache disables caching.
func NewProjector(store Store, cache Cache, logger *zap.Logger) *Projector {
	if cache == nil {
		cache = noCache{}
	}
	return &Projector{store: store, cache: cache, logger: logger.With(zap.String("component", "saga-projector"))}
}

func (p *Projector) Register(r *messaging.Registry) {
	for _, t := range events.Catalog() {
		r.On(t, p.Handle)
	}
}

func (p *Projector) Handle(ctx context.Context, env events.Envelope) error {
	log := p.logger.With(logging.EventFields(env)...)
	proj, applied, err := p.store.Apply(ctx, env)
	if err != nil {
		return err
	}
	if !applied {
		log.Debug("event already folded")
		return nil
	}
	if err := p.cache.Set(ctx, proj); err != nil {
		log.Warn("cannot refresh cached saga", zap.Error(err))
	}
	if proj.Ledger.State.Terminal() {
		log.Info("saga settled", zap.String("state", string(proj.Ledger.State)), zap.Int("events", proj.EventCount))
	}
	return nil
}

func (p *Projector) Get(ctx context.Context, sagaID string) (Projection, error) {
	if cached, ok, err := p.cache.Get(ctx, sagaID); err != nil {
		p.logger.Warn("saga cache unavailable", zap.String("sagaId", sagaID), zap.Error(err))
	} else if ok {
		return cached, nil
	}
	proj, err := p.store.Get(ctx, sagaID)
	if err != nil {
		return Projection{}, err
	}
	if err := p.cache.Set(ctx, proj); err != nil {
		p.logger.Warn("cannot cache saga", zap.String("sagaId", sagaID), zap.Error(err))
	}
	return proj, nil
}

func (p *Projector) ByOrder(ctx context.Context, orderID string) (Projection, error) {
	return p.store.ByOrder(ctx, orderID)
}

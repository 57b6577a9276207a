package recstore

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pruner removes uploaded entries once they age past the retention window.
// The remote copy is the system of record after MarkUploaded; the local copy
// is kept for a while so a clinician can re-verify, then reclaimed. Entries
// that never uploaded are untouchable.
type Pruner struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewPruner creates a pruner over the store. retention <= 0 disables pruning.
func NewPruner(store *Store, retention time.Duration, log zerolog.Logger) *Pruner {
	return &Pruner{
		store:     store,
		retention: retention,
		interval:  1 * time.Hour,
		log:       log.With().Str("component", "store-pruner").Logger(),
		stop:      make(chan struct{}),
	}
}

func (p *Pruner) Start() {
	if p.retention <= 0 {
		p.log.Info().Msg("retention disabled, pruner not started")
		return
	}
	go p.loop()
}

func (p *Pruner) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pruner) loop() {
	// Run once on startup to clear any backlog from downtime
	p.prune()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.prune()
		case <-p.stop:
			return
		}
	}
}

func (p *Pruner) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-p.retention)
	n, err := p.store.PruneUploaded(ctx, cutoff)
	if err != nil {
		p.log.Error().Err(err).Msg("prune failed")
		return
	}
	if n > 0 {
		p.log.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("pruned uploaded recordings")
	}
}

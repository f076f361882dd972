package internal

import (
	"context"
	"time"

	"github.com/MagnunAVF/link-shortener/internal/logger"
)

type ExpiredLinkDeleter interface {
	DeleteExpiredLinks(ctx context.Context) ([]string, error)
}

// Sweeper periodically removes expired links and their cache entries. It
// runs apart from request handling and takes no locks shared with it.
type Sweeper struct {
	store    ExpiredLinkDeleter
	cache    LinkCache
	interval time.Duration
}

func NewSweeper(store ExpiredLinkDeleter, cache LinkCache, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, cache: cache, interval: interval}
}

// Run sweeps once per interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log := logger.With("component", "expiration-sweeper")
	ctx = logger.IntoContext(ctx, log)
	log.Info("expiration sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			log.Info("expiration sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce deletes what is expired now and reports how many links went.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	log := logger.FromContext(ctx)

	codes, err := s.store.DeleteExpiredLinks(ctx)
	for _, code := range codes {
		if cerr := s.cache.Invalidate(ctx, code); cerr != nil {
			log.Warn("cache invalidation after sweep failed", "short_code", code, "err", cerr)
		}
	}
	if err != nil {
		log.Error("expiration sweep incomplete", "deleted", len(codes), "err", err)
		return len(codes), err
	}
	if len(codes) > 0 {
		log.Info("expired links removed", "count", len(codes))
	}
	return len(codes), nil
}

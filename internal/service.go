package internal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MagnunAVF/link-shortener/internal/logger"
)

const (
	publishTimeout = 2 * time.Second
	countryField   = "country:"
)

type LinkStore interface {
	AddOne(ctx context.Context, in NewLink) (*Link, error)
	FindByShortCode(ctx context.Context, code string) (*Link, error)
	FindByOriginalURL(ctx context.Context, rawURL string) (*Link, error)
	IncrementClickCount(ctx context.Context, code string) error
	UpdateOriginalURL(ctx context.Context, code, newURL string, requester *Principal) (*Link, error)
	DeleteByShortCode(ctx context.Context, code string, requester *Principal) error
	CountryClicks(ctx context.Context, code string) (map[string]int64, error)
}

type LinkCache interface {
	GetURL(ctx context.Context, code string) (string, bool, error)
	SetURL(ctx context.Context, code, url string, ttl time.Duration) error
	DeleteURL(ctx context.Context, code string) error
	GetStats(ctx context.Context, code string) (map[string]string, error)
	SetStats(ctx context.Context, code string, stats map[string]string, ttl time.Duration) error
	DeleteStats(ctx context.Context, code string) error
	Invalidate(ctx context.Context, code string) error
}

type ServiceConfig struct {
	URLCacheTTL   time.Duration
	StatsCacheTTL time.Duration
	StoreTimeout  time.Duration

	// ReinvalidateAfter schedules a second cache invalidation after a
	// mutation, evicting a value that a concurrent read-aside miss loaded
	// from the old row and wrote back late. Zero disables it.
	ReinvalidateAfter time.Duration
}

type ShortenInput struct {
	OriginalURL string
	CustomAlias string
	ExpiresAt   *time.Time
}

// ClickMeta is request metadata attached to a click event.
type ClickMeta struct {
	UserAgent string
	Country   string
}

// LinkService runs the shorten/redirect/mutate pipeline over the
// authoritative store and the advisory cache. Cache failures are logged and
// never fail a request.
type LinkService struct {
	store  LinkStore
	cache  LinkCache
	clicks ClickPublisher
	cfg    ServiceConfig
	now    func() time.Time

	inflight sync.WaitGroup
}

// NewLinkService wires the service. clicks may be nil.
func NewLinkService(store LinkStore, cache LinkCache, clicks ClickPublisher, cfg ServiceConfig) *LinkService {
	return &LinkService{
		store:  store,
		cache:  cache,
		clicks: clicks,
		cfg:    cfg,
		now:    time.Now,
	}
}

func (s *LinkService) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

func (s *LinkService) Shorten(ctx context.Context, in ShortenInput, p *Principal) (*Link, error) {
	if err := ValidateURL(in.OriginalURL); err != nil {
		return nil, err
	}
	if in.CustomAlias != "" {
		if err := ValidateAlias(in.CustomAlias); err != nil {
			return nil, err
		}
	}
	nl := NewLink{OriginalURL: in.OriginalURL, CustomAlias: in.CustomAlias, ExpiresAt: in.ExpiresAt}
	if p != nil {
		id := p.ID
		nl.UserID = &id
	}

	sctx, cancel := s.storeCtx(ctx)
	link, err := s.store.AddOne(sctx, nl)
	cancel()
	if err != nil {
		return nil, err
	}

	s.cacheURL(ctx, link)
	return link, nil
}

// Resolve returns the redirect target for code and counts the click.
func (s *LinkService) Resolve(ctx context.Context, code string, meta ClickMeta) (string, error) {
	log := logger.FromContext(ctx)

	target, hit, err := s.cache.GetURL(ctx, code)
	if err != nil {
		log.Warn("url cache read failed, using store", "short_code", code, "err", err)
	}
	if !hit {
		link, err := s.findLive(ctx, code)
		if err != nil {
			return "", err
		}
		target = link.OriginalURL
		s.cacheURL(ctx, link)
	}

	sctx, cancel := s.storeCtx(ctx)
	err = s.store.IncrementClickCount(sctx, code)
	cancel()
	switch {
	case errors.Is(err, ErrNotFound):
		// The store no longer has a live link; drop whatever the cache said.
		s.invalidate(ctx, code)
		return "", ErrNotFound
	case err != nil:
		log.Warn("click increment failed", "short_code", code, "err", err)
	}

	s.publishClick(ctx, code, meta)
	return target, nil
}

func (s *LinkService) Search(ctx context.Context, rawURL string) (*Link, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("%w: original_url is required", ErrValidation)
	}
	if err := validateNormalized(rawURL); err != nil {
		return nil, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.store.FindByOriginalURL(sctx, rawURL)
}

// Stats serves from the stats cache when it holds a complete snapshot and
// otherwise rebuilds the snapshot from the store. Clicks do not invalidate
// the snapshot, so it may lag by up to the stats TTL.
func (s *LinkService) Stats(ctx context.Context, code string) (*LinkStats, error) {
	log := logger.FromContext(ctx)

	cached, err := s.cache.GetStats(ctx, code)
	if err != nil {
		log.Warn("stats cache read failed, using store", "short_code", code, "err", err)
	}
	if st, ok := statsFromCache(cached); ok {
		return st, nil
	}

	link, err := s.findLive(ctx, code)
	if err != nil {
		return nil, err
	}
	st := &LinkStats{
		OriginalURL: link.OriginalURL,
		CreatedAt:   link.CreatedAt,
		ClickCount:  link.ClickCount,
		LastUsedAt:  link.LastUsedAt,
	}

	sctx, cancel := s.storeCtx(ctx)
	countries, err := s.store.CountryClicks(sctx, code)
	cancel()
	if err != nil {
		log.Warn("country analytics unavailable", "short_code", code, "err", err)
	} else if len(countries) > 0 {
		st.Countries = countries
	}

	if ttl := s.cacheTTL(s.cfg.StatsCacheTTL, link); ttl > 0 {
		if err := s.cache.SetStats(ctx, code, statsToCache(st), ttl); err != nil {
			log.Warn("stats cache write failed", "short_code", code, "err", err)
		}
	}
	return st, nil
}

// Update points code at newURL. Only the owner may do this; a non-owner gets
// ErrForbidden even when newURL is malformed.
func (s *LinkService) Update(ctx context.Context, code, newURL string, p *Principal) (*Link, error) {
	if p == nil {
		return nil, ErrUnauthenticated
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()

	if verr := ValidateURL(newURL); verr != nil {
		link, err := s.store.FindByShortCode(sctx, code)
		if err != nil {
			return nil, err
		}
		if !link.OwnedBy(p) {
			return nil, ErrForbidden
		}
		return nil, verr
	}

	link, err := s.store.UpdateOriginalURL(sctx, code, newURL, p)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, code)
	return link, nil
}

func (s *LinkService) Delete(ctx context.Context, code string, p *Principal) error {
	if p == nil {
		return ErrUnauthenticated
	}
	sctx, cancel := s.storeCtx(ctx)
	err := s.store.DeleteByShortCode(sctx, code, p)
	cancel()
	if err != nil {
		return err
	}
	s.invalidate(ctx, code)
	return nil
}

// Wait blocks until in-flight click publications and delayed invalidations
// finish.
func (s *LinkService) Wait() {
	s.inflight.Wait()
}

func (s *LinkService) findLive(ctx context.Context, code string) (*Link, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	link, err := s.store.FindByShortCode(sctx, code)
	if err != nil {
		return nil, err
	}
	if link.IsExpired(s.now()) {
		return nil, ErrNotFound
	}
	return link, nil
}

// cacheTTL caps ttl so no entry outlives the link itself.
func (s *LinkService) cacheTTL(ttl time.Duration, link *Link) time.Duration {
	if link.ExpiresAt != nil {
		if rem := link.ExpiresAt.Sub(s.now()); rem < ttl {
			return rem
		}
	}
	return ttl
}

func (s *LinkService) cacheURL(ctx context.Context, link *Link) {
	ttl := s.cacheTTL(s.cfg.URLCacheTTL, link)
	if ttl <= 0 {
		return
	}
	if err := s.cache.SetURL(ctx, link.ShortCode, link.OriginalURL, ttl); err != nil {
		logger.FromContext(ctx).Warn("url cache write failed", "short_code", link.ShortCode, "err", err)
	}
}

func (s *LinkService) invalidate(ctx context.Context, code string) {
	log := logger.FromContext(ctx)
	if err := s.cache.Invalidate(ctx, code); err != nil {
		log.Error("cache invalidation failed", "short_code", code, "err", err)
	}
	if s.cfg.ReinvalidateAfter <= 0 {
		return
	}

	s.inflight.Add(1)
	time.AfterFunc(s.cfg.ReinvalidateAfter, func() {
		defer s.inflight.Done()
		ictx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.cache.Invalidate(ictx, code); err != nil {
			log.Warn("delayed cache invalidation failed", "short_code", code, "err", err)
		}
	})
}

func (s *LinkService) publishClick(ctx context.Context, code string, meta ClickMeta) {
	if s.clicks == nil {
		return
	}
	ev := ClickEvent{
		ShortCode: code,
		Timestamp: s.now().UTC(),
		UserAgent: meta.UserAgent,
		Country:   NormalizeCountry(meta.Country),
	}
	log := logger.FromContext(ctx)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		pctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.clicks.Publish(pctx, ev); err != nil {
			log.Warn("click event not published", "short_code", ev.ShortCode, "err", err)
		}
	}()
}

func statsToCache(st *LinkStats) map[string]string {
	m := map[string]string{
		"original_url": st.OriginalURL,
		"created_at":   st.CreatedAt.UTC().Format(time.RFC3339Nano),
		"click_count":  strconv.FormatInt(st.ClickCount, 10),
	}
	if st.LastUsedAt != nil {
		m["last_used_at"] = st.LastUsedAt.UTC().Format(time.RFC3339Nano)
	}
	for country, n := range st.Countries {
		m[countryField+country] = strconv.FormatInt(n, 10)
	}
	return m
}

// statsFromCache rebuilds a snapshot; ok is false for a miss or for an entry
// missing required fields.
func statsFromCache(m map[string]string) (*LinkStats, bool) {
	if len(m) == 0 {
		return nil, false
	}
	original, ok := m["original_url"]
	if !ok {
		return nil, false
	}
	created, err := time.Parse(time.RFC3339Nano, m["created_at"])
	if err != nil {
		return nil, false
	}
	clicks, err := strconv.ParseInt(m["click_count"], 10, 64)
	if err != nil {
		return nil, false
	}
	st := &LinkStats{OriginalURL: original, CreatedAt: created, ClickCount: clicks}
	if v, ok := m["last_used_at"]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, false
		}
		st.LastUsedAt = &t
	}

	for k, v := range m {
		country, ok := strings.CutPrefix(k, countryField)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		if st.Countries == nil {
			st.Countries = make(map[string]int64)
		}
		st.Countries[country] = n
	}
	return st, true
}

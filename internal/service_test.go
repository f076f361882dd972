package internal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []ClickEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev ClickEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Events() []ClickEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ClickEvent(nil), p.events...)
}

var errCacheDown = errors.New("cache down")

// brokenCache fails every call.
type brokenCache struct{}

func (brokenCache) GetURL(context.Context, string) (string, bool, error) {
	return "", false, errCacheDown
}
func (brokenCache) SetURL(context.Context, string, string, time.Duration) error { return errCacheDown }
func (brokenCache) DeleteURL(context.Context, string) error                     { return errCacheDown }
func (brokenCache) GetStats(context.Context, string) (map[string]string, error) {
	return map[string]string{}, errCacheDown
}
func (brokenCache) SetStats(context.Context, string, map[string]string, time.Duration) error {
	return errCacheDown
}
func (brokenCache) DeleteStats(context.Context, string) error { return errCacheDown }
func (brokenCache) Invalidate(context.Context, string) error  { return errCacheDown }

var testServiceConfig = ServiceConfig{
	URLCacheTTL:   time.Hour,
	StatsCacheTTL: 5 * time.Minute,
	StoreTimeout:  2 * time.Second,
}

type serviceFixture struct {
	svc   *LinkService
	repo  *LinkRepository
	mr    *miniredis.Miniredis
	pub   *recordingPublisher
	clock *testClock
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	clock := newTestClock()
	repo := NewLinkRepository(newTestDB(t), WithClock(clock.Now))
	cache, mr := newTestCache(t)
	pub := &recordingPublisher{}
	svc := NewLinkService(repo, cache, pub, testServiceConfig)
	svc.now = clock.Now
	return &serviceFixture{svc: svc, repo: repo, mr: mr, pub: pub, clock: clock}
}

func TestService_ShortenCachesURL(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	owner := &Principal{ID: 3}

	link, err := f.svc.Shorten(ctx, ShortenInput{OriginalURL: "HTTPS://Example.COM/Docs"}, owner)
	require.NoError(t, err)
	require.NotNil(t, link.UserID)
	assert.Equal(t, int64(3), *link.UserID)

	cached, err := f.mr.Get("url:" + link.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/docs", cached)
	assert.Equal(t, time.Hour, f.mr.TTL("url:"+link.ShortCode))

	anon, err := f.svc.Shorten(ctx, ShortenInput{OriginalURL: "https://example.com", CustomAlias: "landing"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "landing", anon.ShortCode)
	assert.Nil(t, anon.UserID)
}

func TestService_ShortenValidation(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	tests := []struct {
		name string
		in   ShortenInput
	}{
		{"missing url", ShortenInput{}},
		{"bad scheme", ShortenInput{OriginalURL: "ftp://example.com"}},
		{"bad alias", ShortenInput{OriginalURL: "https://example.com", CustomAlias: "a!"}},
		{"reserved alias", ShortenInput{OriginalURL: "https://example.com", CustomAlias: "search"}},
		{"past expiry", ShortenInput{OriginalURL: "https://example.com", ExpiresAt: ptrTime(f.clock.Now().Add(-time.Second))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Shorten(ctx, tt.in, nil)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Empty(t, f.mr.Keys())
}

func TestService_ShortenTakenAlias(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	_, err := f.svc.Shorten(ctx, ShortenInput{OriginalURL: "https://one.example", CustomAlias: "promo"}, nil)
	require.NoError(t, err)
	_, err = f.svc.Shorten(ctx, ShortenInput{OriginalURL: "https://two.example", CustomAlias: "promo"}, nil)
	require.ErrorIs(t, err, ErrConflict)

	cached, err := f.mr.Get("url:promo")
	require.NoError(t, err)
	assert.Equal(t, "https://one.example", cached)
}

func TestService_CacheTTLCappedByExpiry(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	link, err := f.svc.Shorten(ctx, ShortenInput{
		OriginalURL: "https://example.com",
		ExpiresAt:   ptrTime(f.clock.Now().Add(10 * time.Minute)),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, f.mr.TTL("url:"+link.ShortCode))

	_, err = f.svc.Stats(ctx, link.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, f.mr.TTL("stats:"+link.ShortCode))
}

func TestService_ResolveCountsAndPublishes(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	link, err := f.svc.Shorten(ctx, ShortenInput{OriginalURL: "https://example.com/a"}, nil)
	require.NoError(t, err)

	// First call is a cache hit, the second a miss that refills the cache.
	target, err := f.svc.Resolve(ctx, link.ShortCode, ClickMeta{UserAgent: "curl/8", Country: "us"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", target)

	f.mr.Del("url:" + link.ShortCode)
	target, err = f.svc.Resolve(ctx, link.ShortCode, ClickMeta{})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a", target)
	assert.True(t, f.mr.Exists("url:"+link.ShortCode))

	got, err := f.repo.FindByShortCode(ctx, link.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.ClickCount)
	require.NotNil(t, got.LastUsedAt)

	f.svc.Wait()
	events := f.pub.Events()
	require.Len(t, events, 2)
	countries := []string{events[0].Country, events[1].Country}
	assert.ElementsMatch(t, []string{"US", "unknown"}, countries)
	for _, ev := range events {
		assert.Equal(t, link.ShortCode, ev.ShortCode)
	}
}

func TestService_ResolvePublishFailureIgnored(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	f.pub.err = errors.New("broker gone")

	link, err := f.svc.Shorten(ctx, ShortenInput{OriginalURL: "https://example.com"}, nil)
	require.NoError(t, err)
	target, err := f.svc.Resolve(ctx, link.ShortCode, ClickMeta{})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", target)
	f.svc.Wait()
}

func TestService_ResolveUnknown(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Resolve(context.Background(), "missing", ClickMeta{})
	assert.ErrorIs(t, err, ErrNotFound)
	f.svc.Wait()
	assert.Empty(t, f.pub.Events())
}

func TestService_ResolveStaleCacheEntry(t *testing.T) {
	f := newServiceFixture(t)
	require.NoError(t, f.mr.Set("url:ghost", "https://stale.example"))
	require.NoError(t, f.mr.Set("stats:ghost", "x"))

	_, err := f.svc.Resolve(context.Background(), "ghost", ClickMeta{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, f.mr.Exists("url:ghost"))
	assert.False(t, f.mr.Exists("stats:ghost"))
}

func TestService_ExpiredLink(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	link, err := f.svc.Shorten(ctx, ShortenInput{
		OriginalURL: "https://example.com/soon",
		ExpiresAt:   ptrTime(f.clock.Now().Add(time.Minute)),
	}, nil)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	// Redis has not expired the entry yet; the store must still refuse it.
	require.True(t, f.mr.Exists("url:"+link.ShortCode))
	_, err = f.svc.Resolve(ctx, link.ShortCode, ClickMeta{})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, f.mr.Exists("url:"+link.ShortCode))

	_, err = f.svc.Stats(ctx, link.ShortCode)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Search(ctx, "https://example.com/soon")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_Search(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	link, err := f.svc.Shorten(ctx, ShortenInput{OriginalURL: "https://example.com/Find"}, nil)
	require.NoError(t, err)

	got, err := f.svc.Search(ctx, "HTTPS://EXAMPLE.COM/find")
	require.NoError(t, err)
	assert.Equal(t, link.ShortCode, got.ShortCode)

	_, err = f.svc.Search(ctx, "  ")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestService_Stats(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	link, err := f.svc.Shorten(ctx, ShortenInput{OriginalURL: "https://example.com"}, nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := f.svc.Resolve(ctx, link.ShortCode, ClickMeta{})
		require.NoError(t, err)
	}
	_, err = f.repo.RecordClicks(ctx, []ClickEvent{{ShortCode: link.ShortCode, Country: "BR"}})
	require.NoError(t, err)

	st, err := f.svc.Stats(ctx, link.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", st.OriginalURL)
	assert.Equal(t, int64(2), st.ClickCount)
	assert.True(t, st.CreatedAt.Equal(link.CreatedAt))
	require.NotNil(t, st.LastUsedAt)
	assert.Equal(t, map[string]int64{"BR": 1}, st.Countries)

	key := "stats:" + link.ShortCode
	require.True(t, f.mr.Exists(key))
	f.mr.HSet(key, "click_count", "99")

	cached, err := f.svc.Stats(ctx, link.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, int64(99), cached.ClickCount, "second read is served from the cache")
	assert.Equal(t, map[string]int64{"BR": 1}, cached.Countries)
	require.NotNil(t, cached.LastUsedAt)
	assert.True(t, cached.LastUsedAt.Equal(*st.LastUsedAt))

	_, err = f.svc.Stats(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_StatsIgnoresIncompleteCacheEntry(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	link, err := f.svc.Shorten(ctx, ShortenInput{OriginalURL: "https://example.com"}, nil)
	require.NoError(t, err)
	f.mr.HSet("stats:"+link.ShortCode, "click_count", "5")

	st, err := f.svc.Stats(ctx, link.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.ClickCount)
	assert.Equal(t, "https://example.com", f.mr.HGet("stats:"+link.ShortCode, "original_url"))
}

func TestService_UpdateInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	owner := &Principal{ID: 1}

	link, err := f.svc.Shorten(ctx, ShortenInput{OriginalURL: "https://old.example"}, owner)
	require.NoError(t, err)
	_, err = f.svc.Resolve(ctx, link.ShortCode, ClickMeta{})
	require.NoError(t, err)
	_, err = f.svc.Stats(ctx, link.ShortCode)
	require.NoError(t, err)
	require.True(t, f.mr.Exists("stats:"+link.ShortCode))

	updated, err := f.svc.Update(ctx, link.ShortCode, "https://new.example", owner)
	require.NoError(t, err)
	assert.Equal(t, "https://new.example", updated.OriginalURL)
	assert.False(t, f.mr.Exists("url:"+link.ShortCode))
	assert.False(t, f.mr.Exists("stats:"+link.ShortCode))

	target, err := f.svc.Resolve(ctx, link.ShortCode, ClickMeta{})
	require.NoError(t, err)
	assert.Equal(t, "https://new.example", target)

	st, err := f.svc.Stats(ctx, link.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, "https://new.example", st.OriginalURL)
}

func TestService_UpdateEvictsLateCacheWrite(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	f.svc.cfg.ReinvalidateAfter = 50 * time.Millisecond
	owner := &Principal{ID: 1}

	link, err := f.svc.Shorten(ctx, ShortenInput{OriginalURL: "https://old.example"}, owner)
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, link.ShortCode, "https://new.example", owner)
	require.NoError(t, err)
	// A redirect that read the old row before the update caches it afterwards.
	require.NoError(t, f.mr.Set("url:"+link.ShortCode, "https://old.example"))

	f.svc.Wait()
	assert.False(t, f.mr.Exists("url:"+link.ShortCode))

	target, err := f.svc.Resolve(ctx, link.ShortCode, ClickMeta{})
	require.NoError(t, err)
	assert.Equal(t, "https://new.example", target)
}

func TestService_SearchRejectsUndecodableURL(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)

	for _, raw := range []string{"https://example.com/%FF", "https://example.com/a%00b", "https://example.com/%0d%0a"} {
		_, err := f.svc.Search(ctx, raw)
		assert.ErrorIs(t, err, ErrValidation, raw)
	}
}

func TestService_UpdateAuthorization(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	owner := &Principal{ID: 1}
	other := &Principal{ID: 2}

	link, err := f.svc.Shorten(ctx, ShortenInput{OriginalURL: "https://old.example"}, owner)
	require.NoError(t, err)

	tests := []struct {
		name      string
		code      string
		newURL    string
		principal *Principal
		wantErr   error
	}{
		{"anonymous", link.ShortCode, "https://new.example", nil, ErrUnauthenticated},
		{"non owner", link.ShortCode, "https://new.example", other, ErrForbidden},
		{"non owner with bad url", link.ShortCode, "not a url", other, ErrForbidden},
		{"owner with bad url", link.ShortCode, "not a url", owner, ErrValidation},
		{"unknown code", "missing", "https://new.example", owner, ErrNotFound},
		{"unknown code with bad url", "missing", "not a url", owner, ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Update(ctx, tt.code, tt.newURL, tt.principal)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	got, err := f.repo.FindByShortCode(ctx, link.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, "https://old.example", got.OriginalURL)
}

func TestService_Delete(t *testing.T) {
	ctx := context.Background()
	f := newServiceFixture(t)
	owner := &Principal{ID: 1}

	link, err := f.svc.Shorten(ctx, ShortenInput{OriginalURL: "https://example.com"}, owner)
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Delete(ctx, link.ShortCode, nil), ErrUnauthenticated)
	assert.ErrorIs(t, f.svc.Delete(ctx, link.ShortCode, &Principal{ID: 2}), ErrForbidden)
	assert.ErrorIs(t, f.svc.Delete(ctx, "missing", owner), ErrNotFound)
	require.True(t, f.mr.Exists("url:"+link.ShortCode))

	require.NoError(t, f.svc.Delete(ctx, link.ShortCode, owner))
	assert.False(t, f.mr.Exists("url:"+link.ShortCode))

	_, err = f.svc.Resolve(ctx, link.ShortCode, ClickMeta{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_DegradesWithoutCache(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	repo := NewLinkRepository(newTestDB(t), WithClock(clock.Now))
	svc := NewLinkService(repo, brokenCache{}, nil, testServiceConfig)
	svc.now = clock.Now
	owner := &Principal{ID: 1}

	link, err := svc.Shorten(ctx, ShortenInput{OriginalURL: "https://example.com"}, owner)
	require.NoError(t, err)

	target, err := svc.Resolve(ctx, link.ShortCode, ClickMeta{})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", target)

	st, err := svc.Stats(ctx, link.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.ClickCount)

	_, err = svc.Update(ctx, link.ShortCode, "https://new.example", owner)
	require.NoError(t, err)
	target, err = svc.Resolve(ctx, link.ShortCode, ClickMeta{})
	require.NoError(t, err)
	assert.Equal(t, "https://new.example", target)

	require.NoError(t, svc.Delete(ctx, link.ShortCode, owner))
	svc.Wait()
}

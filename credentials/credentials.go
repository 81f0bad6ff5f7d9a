package credentials

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/singleflight"

	"github.com/distribution-auth/credentials/pkg/option"
)

// Freshness thresholds for a cached access token.
const (
	// MinimumValidity is the remaining lifetime below which a cached token
	// is no longer served and callers wait for a replacement.
	MinimumValidity = 5 * time.Minute

	// RefreshMargin is the remaining lifetime below which a replacement token
	// is requested ahead of time while the cached token is still being served.
	RefreshMargin = MinimumValidity + time.Minute
)

const refreshKey = "refresh"

type freshness int

const (
	fresh freshness = iota
	stale
	expired
)

// ChangeListener is notified after every successful refresh with the new access token.
// Listeners are invoked in registration order; a failing listener does not fail the refresh.
type ChangeListener func(token AccessToken) error

// Credentials caches an access token obtained from a TokenProvider and serves it
// as request metadata (an Authorization bearer header) for outbound requests.
//
// A cached token is served without blocking while it is fresh.
// Once it enters the refresh margin, a single background refresh is triggered and
// the current token keeps being served. Once the token is within MinimumValidity
// of expiring (or no token is cached), callers block until a refresh completes.
// Concurrent refresh attempts are coalesced into one provider call whose result
// (or error) is shared by every waiter.
//
// Credentials is safe for concurrent use by multiple goroutines.
type Credentials struct {
	provider TokenProvider

	clock  clockwork.Clock
	logger *zap.Logger

	initialToken  *AccessToken
	extraMetadata map[string][]string

	mu        sync.Mutex
	value     *cachedValue
	listeners []ChangeListener

	group singleflight.Group
}

// Option configures Credentials.
type Option interface {
	applyCredentials(c *Credentials)
}

type optionFunc func(c *Credentials)

func (fn optionFunc) applyCredentials(c *Credentials) {
	fn(c)
}

// WithClock sets the clock used to determine token freshness.
func WithClock(clock clockwork.Clock) Option {
	return optionFunc(func(c *Credentials) {
		c.clock = clock
	})
}

// WithLogger sets the logger used to report background refresh and listener failures.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(c *Credentials) {
		c.logger = logger
	})
}

// WithInitialToken seeds the cache with an already issued access token.
func WithInitialToken(token AccessToken) Option {
	return optionFunc(func(c *Credentials) {
		t := token

		c.initialToken = &t
	})
}

// WithRequestMetadata attaches an extra header to the request metadata
// served alongside the Authorization header (eg. a quota project header).
func WithRequestMetadata(key string, values ...string) Option {
	return optionFunc(func(c *Credentials) {
		if c.extraMetadata == nil {
			c.extraMetadata = map[string][]string{}
		}

		c.extraMetadata[key] = values
	})
}

// NewCredentials returns Credentials backed by provider.
func NewCredentials(provider TokenProvider, opts ...Option) *Credentials {
	c := &Credentials{
		provider: provider,
	}

	for _, opt := range opts {
		opt.applyCredentials(c)
	}

	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}

	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	if c.initialToken != nil {
		c.value = newCachedValue(*c.initialToken, c.extraMetadata)
	}

	return c
}

// NewStaticCredentials returns Credentials holding a fixed, non-refreshable access token.
// Refresh attempts fail with ErrRefreshNotSupported.
func NewStaticCredentials(token AccessToken, opts ...Option) *Credentials {
	return NewCredentials(nil, append(slices.Clone(opts), WithInitialToken(token))...)
}

// RequestMetadata returns the request metadata for a request to uri,
// refreshing the cached access token first if it is no longer usable.
//
// The returned mapping contains an Authorization header with a single bearer token value.
func (c *Credentials) RequestMetadata(ctx context.Context, uri string) (map[string][]string, error) {
	value, err := c.currentValue(ctx)
	if err != nil {
		return nil, err
	}

	return value.metadata, nil
}

// RequestMetadataAsync resolves the request metadata without blocking the caller.
// The callback is invoked exactly once with either the metadata or an error.
func (c *Credentials) RequestMetadataAsync(ctx context.Context, uri string, callback func(metadata map[string][]string, err error)) {
	go func() {
		callback(c.RequestMetadata(ctx, uri))
	}()
}

// Refresh discards the freshness of the cached token and performs a new refresh,
// waiting for its completion.
func (c *Credentials) Refresh(ctx context.Context) error {
	c.group.Forget(refreshKey)

	_, err := c.awaitRefresh(ctx, c.startRefresh(ctx))

	return err
}

// AccessToken returns the last successfully cached access token (if any).
// It never triggers a refresh; the returned token may already be expired.
func (c *Credentials) AccessToken() option.Option[AccessToken] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value == nil {
		return option.None[AccessToken]()
	}

	return option.Some(c.value.token)
}

// OnChange registers a listener notified after every successful refresh.
// Listeners cannot be removed.
func (c *Credentials) OnChange(listener ChangeListener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listeners = append(c.listeners, listener)
}

func (c *Credentials) currentValue(ctx context.Context) (*cachedValue, error) {
	c.mu.Lock()
	value := c.value
	state := c.freshnessOf(value)
	c.mu.Unlock()

	if state == fresh {
		return value, nil
	}

	ch := c.startRefresh(ctx)

	// A stale token is still usable: serve it and let the refresh finish in the background.
	if state == stale {
		return value, nil
	}

	return c.awaitRefresh(ctx, ch)
}

func (c *Credentials) startRefresh(ctx context.Context) <-chan singleflight.Result {
	// The flight may outlive the caller that started it,
	// so it is detached from the caller's cancellation (keeping its values).
	refreshCtx := context.WithoutCancel(ctx)

	return c.group.DoChan(refreshKey, func() (interface{}, error) {
		return c.refresh(refreshCtx)
	})
}

func (c *Credentials) awaitRefresh(ctx context.Context, ch <-chan singleflight.Result) (*cachedValue, error) {
	select {
	case result := <-ch:
		if result.Err != nil {
			return nil, result.Err
		}

		return result.Val.(*cachedValue), nil
	case <-ctx.Done():
		// The flight keeps running for the remaining waiters.
		return nil, ctx.Err()
	}
}

func (c *Credentials) refresh(ctx context.Context) (*cachedValue, error) {
	if c.provider == nil {
		return nil, ErrRefreshNotSupported
	}

	token, err := c.provider.FetchToken(ctx)
	if err != nil {
		// A failed background refresh is invisible to the caller that was served
		// a stale token, so report it here as well.
		c.logger.Warn("refreshing access token failed", zap.Error(err))

		return nil, err
	}

	value := newCachedValue(token, c.extraMetadata)

	c.mu.Lock()
	c.value = value
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	// Listeners run outside the critical section so they can safely re-enter the credentials.
	for _, listener := range listeners {
		if err := listener(token); err != nil {
			c.logger.Warn("credentials change listener failed", zap.Error(err))
		}
	}

	return value, nil
}

func (c *Credentials) freshnessOf(value *cachedValue) freshness {
	if value == nil {
		return expired
	}

	if value.token.Expiry.IsZero() {
		return fresh
	}

	remaining := value.token.Expiry.Sub(c.clock.Now())

	switch {
	case remaining < MinimumValidity:
		return expired
	case remaining < RefreshMargin:
		return stale
	default:
		return fresh
	}
}

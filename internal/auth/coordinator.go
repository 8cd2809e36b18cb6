package auth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/matthieugras/busadmin/internal/logging"
	"github.com/matthieugras/busadmin/internal/session"
)

// DefaultRefreshTimeout bounds one token exchange
const DefaultRefreshTimeout = 15 * time.Second

// refreshKey is the only singleflight key: there is one refresh per store
const refreshKey = "refresh"

// CoordinatorConfig configures a Coordinator
type CoordinatorConfig struct {
	// Timeout bounds the exchange; zero means DefaultRefreshTimeout
	Timeout time.Duration
}

// Stats counts refresh activity since the coordinator was created
type Stats struct {
	Episodes  int64 // flights started
	Exchanges int64 // calls to the refresh endpoint
	Succeeded int64
	Failed    int64
}

// Coordinator serializes token refreshes. However many requests get a 401
// at the same time, one exchange runs and all of them wait for its result.
// It implements api.Refresher.
type Coordinator struct {
	store     *session.Store
	exchanger Exchanger
	timeout   time.Duration
	group     singleflight.Group

	episodes  atomic.Int64
	exchanges atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

// NewCoordinator creates a coordinator renewing the session held by store
func NewCoordinator(store *session.Store, exchanger Exchanger, cfg CoordinatorConfig) *Coordinator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRefreshTimeout
	}
	return &Coordinator{
		store:     store,
		exchanger: exchanger,
		timeout:   timeout,
	}
}

// Refresh returns an access token newer than the one in stale. If another
// caller already rotated it, the current token is returned without a
// network call. Otherwise the caller joins the pending exchange or starts
// one.
func (c *Coordinator) Refresh(ctx context.Context, stale session.Credentials) (string, error) {
	if token, ok, err := c.rotated(stale); ok || err != nil {
		return token, err
	}

	// The flight must not die with the caller that happened to start it
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.run(flightCtx, stale)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// rotated reports whether the store moved past stale: a different token,
// a refresh applied since, or a new session. Cookie sessions always carry
// CookieToken, so only the refresh count shows their rotation.
func (c *Coordinator) rotated(stale session.Credentials) (string, bool, error) {
	current := c.store.Credentials()
	if current.AccessToken == "" {
		return "", false, session.ErrSessionTerminated
	}
	if current.AccessToken != stale.AccessToken ||
		current.Refreshes != stale.Refreshes ||
		current.Generation != stale.Generation {
		return current.AccessToken, true, nil
	}
	return "", false, nil
}

// run is one refresh episode
func (c *Coordinator) run(ctx context.Context, stale session.Credentials) (string, error) {
	c.episodes.Add(1)

	// A flight that finished just before this one started may have rotated it
	if token, ok, err := c.rotated(stale); ok || err != nil {
		return token, err
	}

	gen, refreshToken, err := c.store.BeginRefresh()
	if err != nil {
		return "", err
	}
	if refreshToken == "" {
		return "", c.fail(gen, &RefreshError{Message: "session has no refresh token", Err: ErrNoRefreshToken})
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.exchanges.Add(1)
	logging.Debug("Refreshing access token (generation %d)", gen)
	start := time.Now()
	token, err := c.exchanger.Exchange(exchangeCtx, refreshToken)
	if err == nil && token == nil {
		err = &RefreshError{Message: "empty refresh response"}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(exchangeCtx.Err(), context.DeadlineExceeded) {
			err = &RefreshError{Message: fmt.Sprintf("no response after %s", c.timeout), Err: errors.Join(ErrRefreshTimeout, err)}
		}
		return "", c.fail(gen, err)
	}

	access, err := c.store.ApplyRefresh(gen, token)
	if err != nil {
		// Logged out or replaced while the exchange was in flight
		c.failed.Add(1)
		logging.Info("Discarding refreshed token for ended session (generation %d)", gen)
		return "", err
	}

	c.succeeded.Add(1)
	logging.Info("Access token refreshed in %s", time.Since(start).Round(time.Millisecond))
	return access, nil
}

// fail ends the session the episode was refreshing and returns err as a
// *RefreshError.
func (c *Coordinator) fail(gen uint64, err error) error {
	c.failed.Add(1)
	var refreshErr *RefreshError
	if !errors.As(err, &refreshErr) {
		refreshErr = &RefreshError{Err: err}
	}
	if c.store.Expire(gen) {
		logging.Warn("Session ended after failed refresh: %v", refreshErr)
	}
	return refreshErr
}

// Stats returns a snapshot of the counters
func (c *Coordinator) Stats() Stats {
	return Stats{
		Episodes:  c.episodes.Load(),
		Exchanges: c.exchanges.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
	}
}

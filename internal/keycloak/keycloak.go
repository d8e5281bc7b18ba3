// Package keycloak is a thin admin REST client for the subset of the
// Keycloak Admin API the sync engine needs: paginated user listing, user
// lookup, and a self-refreshing client-credentials token.
package keycloak

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/scramsync/kcsync/internal/kcerr"
)

// FailureClass categorizes a call failure so the caller can decide whether
// to retry.
type FailureClass int

const (
	ClassUnknown FailureClass = iota
	ClassTransient
	ClassAuthentication
	ClassNotFound
	ClassProtocol
)

// CallError wraps an underlying error with its failure classification.
type CallError struct {
	Class FailureClass
	Err   error
}

func (e *CallError) Error() string { return e.Err.Error() }
func (e *CallError) Unwrap() error { return e.Err }

func classify(statusCode int, err error) error {
	switch {
	case err != nil && statusCode == 0:
		return &CallError{Class: ClassTransient, Err: fmt.Errorf("%w: %v", kcerr.ErrTransient, err)}
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &CallError{Class: ClassAuthentication, Err: fmt.Errorf("%w: status %d", kcerr.ErrAuthenticationFailure, statusCode)}
	case statusCode == http.StatusNotFound:
		return &CallError{Class: ClassNotFound, Err: fmt.Errorf("%w: status %d", kcerr.ErrPayloadInvalid, statusCode)}
	case statusCode >= 500:
		return &CallError{Class: ClassTransient, Err: fmt.Errorf("%w: status %d", kcerr.ErrTransient, statusCode)}
	case statusCode >= 400:
		return &CallError{Class: ClassProtocol, Err: fmt.Errorf("%w: status %d", kcerr.ErrTerminal, statusCode)}
	default:
		return nil
	}
}

// User is the subset of a Keycloak user representation the sync engine
// cares about.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Enabled   bool   `json:"enabled"`
	CreatedAt int64  `json:"createdTimestamp"`
}

// Config configures the admin client.
type Config struct {
	BaseURL              string // e.g. https://keycloak.example.com
	Realm                string
	ClientID             string
	ClientSecret         string
	PageSize             int // default 500
	ServiceAccountPrefix []string
	CallTimeout          time.Duration // default 30s
}

// Client is a circuit-breaker-guarded Keycloak admin REST client with a
// self-refreshing client-credentials token.
type Client struct {
	cfg        Config
	httpClient *http.Client
	ccConfig   clientcredentials.Config
	breaker    *gobreaker.CircuitBreaker
	timeout    time.Duration

	mu        sync.Mutex
	current   *oauth2.Token
	issuedAt  time.Time
	lifetime  time.Duration
}

// New constructs a Client. The token is acquired lazily on first use.
func New(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	tokenURL := fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", strings.TrimRight(cfg.BaseURL, "/"), cfg.Realm)
	ccCfg := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "keycloak-admin",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	httpClient := &http.Client{Timeout: timeout}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		ccConfig:   ccCfg,
		breaker:    breaker,
		timeout:    timeout,
	}
}

// token returns a valid access token, acquiring or refreshing it under a
// mutex so concurrent callers never issue more than one refresh request.
// A token is refreshed once 90% of its advertised lifetime has elapsed.
func (c *Client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && c.lifetime > 0 {
		elapsed := time.Since(c.issuedAt)
		if elapsed < (c.lifetime*9)/10 {
			return c.current.AccessToken, nil
		}
	}

	return c.refreshLocked(ctx)
}

// forceRefresh discards the cached token and fetches a new one, used after
// an unexpected 401 from an otherwise-unexpired token.
func (c *Client) forceRefresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Client) refreshLocked(ctx context.Context) (string, error) {
	tok, err := c.ccConfig.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: acquiring keycloak token: %v", kcerr.ErrAuthenticationFailure, err)
	}

	c.current = tok
	c.issuedAt = time.Now()
	if !tok.Expiry.IsZero() {
		c.lifetime = time.Until(tok.Expiry)
	} else {
		c.lifetime = 0
	}
	return tok.AccessToken, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, out interface{}) (int, error) {
	return c.breakerDo(func() (int, error) {
		token, err := c.token(ctx)
		if err != nil {
			return 0, err
		}

		u := fmt.Sprintf("%s/admin/realms/%s%s", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Realm, path)
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, method, u, nil)
		if err != nil {
			return 0, fmt.Errorf("%w: building request: %v", kcerr.ErrConfigInvalid, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			token, err = c.forceRefresh(ctx)
			if err != nil {
				return http.StatusUnauthorized, err
			}
			req, err = http.NewRequestWithContext(ctx, method, u, nil)
			if err != nil {
				return 0, fmt.Errorf("%w: rebuilding request: %v", kcerr.ErrConfigInvalid, err)
			}
			req.Header.Set("Authorization", "Bearer "+token)
			req.Header.Set("Accept", "application/json")
			resp, err = c.httpClient.Do(req)
			if err != nil {
				return 0, err
			}
			defer resp.Body.Close()
		}

		if resp.StatusCode >= 300 {
			return resp.StatusCode, fmt.Errorf("unexpected status %d from %s %s", resp.StatusCode, method, path)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, fmt.Errorf("decoding response body: %w", err)
			}
		}
		return resp.StatusCode, nil
	})
}

func (c *Client) breakerDo(fn func() (int, error)) (int, error) {
	type result struct {
		status int
		err    error
	}
	out, err := c.breaker.Execute(func() (interface{}, error) {
		status, err := fn()
		if err != nil {
			return result{status, err}, classify(status, err)
		}
		return result{status, nil}, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return 0, fmt.Errorf("%w: %v", kcerr.ErrCircuitOpen, err)
		}
		return out.(result).status, err
	}
	r := out.(result)
	return r.status, nil
}

// withRetry retries transient-classified failures with exponential backoff
// (1s to 10s, 3 attempts); other classes propagate immediately.
func withRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 10 * time.Second

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var ce *CallError
		if asCallError(err, &ce) && ce.Class != ClassTransient {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(3))
}

func asCallError(err error, target **CallError) bool {
	for err != nil {
		if ce, ok := err.(*CallError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// FetchAllUsers pages through the realm's users, filtering out disabled
// accounts and configured service-account prefixes, and returns the full
// set. Pagination stops when a page returns fewer than PageSize items.
func (c *Client) FetchAllUsers(ctx context.Context) ([]User, error) {
	var all []User
	first := 0

	for {
		page, err := withRetry(ctx, func() ([]User, error) {
			var users []User
			q := url.Values{
				"first": {strconv.Itoa(first)},
				"max":   {strconv.Itoa(c.cfg.PageSize)},
			}
			if _, err := c.doJSON(ctx, http.MethodGet, "/users", q, &users); err != nil {
				return nil, err
			}
			return users, nil
		})
		if err != nil {
			return nil, err
		}

		for _, u := range page {
			if !u.Enabled {
				continue
			}
			if c.isServiceAccount(u.Username) {
				continue
			}
			all = append(all, u)
		}

		if len(page) < c.cfg.PageSize {
			break
		}
		first += c.cfg.PageSize
	}

	return all, nil
}

func (c *Client) isServiceAccount(username string) bool {
	lower := strings.ToLower(username)
	for _, prefix := range c.cfg.ServiceAccountPrefix {
		if strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// FindUserByID looks up a single user by Keycloak ID.
func (c *Client) FindUserByID(ctx context.Context, id string) (User, error) {
	return withRetry(ctx, func() (User, error) {
		var u User
		if _, err := c.doJSON(ctx, http.MethodGet, "/users/"+url.PathEscape(id), nil, &u); err != nil {
			return User{}, err
		}
		return u, nil
	})
}

// FindUserByUsername looks up a single user by exact username match.
func (c *Client) FindUserByUsername(ctx context.Context, username string) (User, error) {
	return withRetry(ctx, func() (User, error) {
		var users []User
		q := url.Values{"username": {username}, "exact": {"true"}}
		if _, err := c.doJSON(ctx, http.MethodGet, "/users", q, &users); err != nil {
			return User{}, err
		}
		if len(users) == 0 {
			return User{}, &CallError{Class: ClassNotFound, Err: fmt.Errorf("%w: user %q", kcerr.ErrPayloadInvalid, username)}
		}
		return users[0], nil
	})
}

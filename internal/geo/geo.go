// Package geo resolves client addresses to a coarse location through an
// ipinfo.io-compatible HTTP API.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// DefaultEndpoint is the public ipinfo.io API.
const DefaultEndpoint = "https://ipinfo.io"

// ErrRateLimited is returned when the lookup budget is exhausted.
var ErrRateLimited = errors.New("geo: rate limited")

// Location is the subset of the lookup response kept on an access IP.
type Location struct {
	Country string `json:"country"`
	Region  string `json:"region"`
	City    string `json:"city"`
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	Endpoint          string
	Token             string
	RequestsPerMinute int
	CacheSize         int
	Timeout           time.Duration
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

// Client looks up addresses, caching answers and bounding the outbound
// request rate. It is safe for concurrent use.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	limiter  *rate.Limiter
	cache    *lru.Cache[string, Location]
	logger   *slog.Logger
}

// New returns a Client.
func New(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if _, err := url.Parse(opts.Endpoint); err != nil {
		return nil, fmt.Errorf("geo: endpoint: %w", err)
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 30
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cache, err := lru.New[string, Location](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("geo: cache: %w", err)
	}
	perSecond := rate.Limit(float64(opts.RequestsPerMinute) / 60)
	return &Client{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		token:    opts.Token,
		http:     opts.HTTPClient,
		limiter:  rate.NewLimiter(perSecond, opts.RequestsPerMinute),
		cache:    cache,
		logger:   opts.Logger.With(slog.String("component", "geo")),
	}, nil
}

// Lookup returns the location of ip. Private, loopback and otherwise
// non-routable addresses resolve to an empty Location without a request.
// Failed lookups are not cached.
func (c *Client) Lookup(ctx context.Context, ip string) (Location, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Location{}, fmt.Errorf("geo: parse %q: %w", ip, err)
	}
	if !Routable(addr) {
		return Location{}, nil
	}
	key := addr.String()
	if loc, ok := c.cache.Get(key); ok {
		return loc, nil
	}
	if !c.limiter.Allow() {
		return Location{}, ErrRateLimited
	}

	loc, err := c.fetch(ctx, key)
	if err != nil {
		c.logger.Debug("geolocation lookup failed", slog.String("ip", key), slog.Any("error", err))
		return Location{}, err
	}
	c.cache.Add(key, loc)
	return loc, nil
}

func (c *Client) fetch(ctx context.Context, ip string) (Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/"+url.PathEscape(ip)+"/json", nil)
	if err != nil {
		return Location{}, fmt.Errorf("geo: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("geo: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("geo: unexpected status %d", resp.StatusCode)
	}
	var loc Location
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return Location{}, fmt.Errorf("geo: decode: %w", err)
	}
	return loc, nil
}

// Routable reports whether addr is a public unicast address worth looking up.
func Routable(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsValid() &&
		addr.IsGlobalUnicast() &&
		!addr.IsPrivate() &&
		!addr.IsLoopback() &&
		!addr.IsLinkLocalUnicast()
}

// Package rest provides the HTTP API of the nasmon alarm subsystem.
// This file implements bearer-token authentication, access-IP tracking and
// request logging middleware.
//
// # Authentication Flow
//
// All requests under /api must include an Authorization header:
//
//	Authorization: Bearer <compact-JWT>
//
// Tokens are verified with either a shared HS256 secret or an RS256 public
// key, never both. Expiry is enforced when the token carries exp; issuer and
// audience are enforced when configured. The verified [Claims] are stored in
// the request context; on failure the middleware responds 401 and does not
// call the next handler.
package rest

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/nasmon/nasmon/internal/alarm"
	"github.com/nasmon/nasmon/internal/geo"
)

type contextKey int

const claimsKey contextKey = 0

// Claims is the verified token payload. Username is honoured for tokens
// minted by login services that do not set sub.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the caller's name: sub, else username.
func (c *Claims) Identity() string {
	if c == nil {
		return ""
	}
	if c.Subject != "" {
		return c.Subject
	}
	return c.Username
}

// ClaimsFromContext retrieves the Claims injected by JWTMiddleware, or nil.
func ClaimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey).(*Claims)
	return c
}

// JWTConfig holds the configuration for JWTMiddleware. Exactly one of
// HMACSecret and PublicKey must be set.
type JWTConfig struct {
	HMACSecret []byte
	PublicKey  *rsa.PublicKey

	// Issuer, if non-empty, must equal the iss claim.
	Issuer string
	// Audience, if non-empty, must appear in the aud claim.
	Audience string

	Logger *slog.Logger
}

// ParseRSAPublicKey decodes a PEM-encoded RSA public key (PKCS#1 or PKIX).
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	key, err := jwt.ParseRSAPublicKeyFromPEM(pemData)
	if err != nil {
		return nil, fmt.Errorf("jwt: parse public key: %w", err)
	}
	return key, nil
}

// JWTMiddleware returns middleware enforcing bearer-token authentication.
func JWTMiddleware(cfg JWTConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		method string
		key    any
	)
	switch {
	case cfg.PublicKey != nil:
		method, key = jwt.SigningMethodRS256.Alg(), cfg.PublicKey
	default:
		method, key = jwt.SigningMethodHS256.Alg(), cfg.HMACSecret
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{method})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (any, error) { return key, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticate(r, parser, keyFunc)
			if err != nil {
				logger.Warn("jwt: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(r *http.Request, parser *jwt.Parser, keyFunc jwt.Keyfunc) (*Claims, error) {
	raw := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok {
		return nil, errors.New("missing or malformed Authorization header")
	}
	if token == "" {
		return nil, errors.New("empty bearer token")
	}

	var claims Claims
	if _, err := parser.ParseWithClaims(token, &claims, keyFunc); err != nil {
		return nil, err
	}
	return &claims, nil
}

// AccessRecorder is the part of the alarm store used to track callers.
type AccessRecorder interface {
	UpsertAccessIP(ctx context.Context, ip, country, region, city string) (alarm.AccessIP, error)
}

// Locator resolves an address to a location. geo.Client implements it.
type Locator interface {
	Lookup(ctx context.Context, ip string) (geo.Location, error)
}

// AccessMiddleware records every request's source address in the access-IP
// table, enriched with a location when locator is non-nil. Tracking failures
// are logged and never fail the request.
func AccessMiddleware(rec AccessRecorder, locator Locator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip, ok := clientIP(r); ok {
				var loc geo.Location
				if locator != nil {
					var err error
					if loc, err = locator.Lookup(r.Context(), ip); err != nil {
						logger.Debug("geolocation unavailable", slog.String("ip", ip), slog.Any("error", err))
					}
				}
				if _, err := rec.UpsertAccessIP(r.Context(), ip, loc.Country, loc.Region, loc.City); err != nil {
					logger.Warn("track access ip", slog.String("ip", ip), slog.Any("error", err))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the caller address from RemoteAddr, which RealIP may
// already have rewritten to a bare address.
func clientIP(r *http.Request) (string, bool) {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}

// requestLogger logs one line per request at info level.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

// writeJSONError writes an HTTP error response with a JSON body.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"error":%q}`, detail)
	_, _ = w.Write([]byte(body))
}

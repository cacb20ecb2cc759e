package main

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/gatekeeper/internal/a2a"
	"github.com/example/gatekeeper/internal/gateway"
	"github.com/example/gatekeeper/internal/ledger"
	"github.com/example/gatekeeper/internal/models"
	"golang.org/x/time/rate"
)

type ctxKey int

const (
	principalKey ctxKey = iota
	usageKey
)

func principalFrom(ctx context.Context) *gateway.Principal {
	p, _ := ctx.Value(principalKey).(*gateway.Principal)
	return p
}

// usageNote lets handlers annotate the usage row written by the metering
// middleware.
type usageNote struct {
	toolName string
	taskType string
	errMsg   string
}

func noteUsage(ctx context.Context, fn func(*usageNote)) {
	if n, ok := ctx.Value(usageKey).(*usageNote); ok {
		fn(n)
	}
}

// bearer extracts the presented credential from X-API-Key or an
// Authorization: Bearer header.
func bearer(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return strings.TrimSpace(k)
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// Authenticate verifies the presented credential and requires it to be
// one of kinds.
func (a *App) Authenticate(kinds ...gateway.Kind) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearer(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Credential required")
				return
			}
			p, err := a.Gateway.Authenticate(r.Context(), raw, kinds...)
			if err != nil {
				a.Logger.Debug("authentication failed", "path", r.URL.Path, "error", err)
				writeServiceError(w, a.Logger, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func setRateHeaders(w http.ResponseWriter, d ledger.Decision) {
	if d.Limit.Unlimited() {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit.Requests))
	remaining := max(d.Remaining-1, 0)
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// MeterAPIKey enforces the key's quota and appends a usage row for every
// admitted request.
func (a *App) MeterAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := principalFrom(r.Context()).APIKey
		d, err := a.Keys.CheckAdmission(r.Context(), key)
		setRateHeaders(w, d)
		if err != nil {
			writeServiceError(w, a.Logger, err)
			return
		}

		note := &usageNote{}
		wrapped, start := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}, time.Now()
		next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), usageKey, note)))

		a.Keys.MarkUsed(r.Context(), key.ID)
		u := a.requestUsage(r, wrapped, start, note)
		if err := a.Keys.RecordUsage(r.Context(), key.ID, u); err != nil {
			a.Logger.Warn("failed to record api key usage", "key_id", key.ID, "error", err)
		}
	})
}

// MeterA2A enforces the client's quotas for session-authenticated calls
// and appends a usage row for every admitted request.
func (a *App) MeterA2A(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := principalFrom(r.Context()).Session
		client, err := a.A2A.Client(r.Context(), sess.ClientID)
		if err != nil {
			writeServiceError(w, a.Logger, err)
			return
		}
		d, err := a.A2A.Admit(r.Context(), client)
		setRateHeaders(w, d)
		if err != nil {
			writeServiceError(w, a.Logger, err)
			return
		}
		if err := a.A2A.Touch(r.Context(), sess.ID); err != nil {
			a.Logger.Warn("failed to touch a2a session", "session_id", sess.ID, "error", err)
		}

		note := &usageNote{}
		ctx := context.WithValue(r.Context(), usageKey, note)
		wrapped, start := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}, time.Now()
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		u := a.requestUsage(r, wrapped, start, note)
		u.SessionID = sess.ID
		u.ProtocolVersion = r.Header.Get("A2A-Version")
		if u.ProtocolVersion == "" {
			u.ProtocolVersion = a2a.ProtocolVersion
		}
		if err := a.A2A.RecordUsage(r.Context(), client.ID, u); err != nil {
			a.Logger.Warn("failed to record a2a usage", "client_id", client.ID, "error", err)
		}
	})
}

// MeterUser appends a usage row for every request made with a user access
// token. User traffic is counted, not limited.
func (a *App) MeterUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := principalFrom(r.Context()).User
		note := &usageNote{}
		wrapped, start := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}, time.Now()
		next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), usageKey, note)))

		u := a.requestUsage(r, wrapped, start, note)
		if err := a.Users.RecordUsage(r.Context(), user.ID, u); err != nil {
			a.Logger.Warn("failed to record user usage", "user_id", user.ID, "error", err)
		}
	})
}

func (a *App) requestUsage(r *http.Request, w *responseWriter, start time.Time, note *usageNote) models.Usage {
	u := models.Usage{
		ToolName:       note.toolName,
		TaskType:       note.taskType,
		StatusCode:     w.statusCode,
		ResponseTimeMS: int(time.Since(start).Milliseconds()),
		RequestBytes:   int(max(r.ContentLength, 0)),
		ResponseBytes:  w.bytes,
		ErrorMessage:   note.errMsg,
		IPAddress:      a.clientIP(r),
		UserAgent:      r.UserAgent(),
	}
	if u.ToolName == "" {
		u.ToolName = r.Method + " " + r.URL.Path
	}
	return u
}

// proxyTrust holds the networks whose X-Forwarded-For header is believed.
type proxyTrust []netip.Prefix

func (t proxyTrust) trusted(addr netip.Addr) bool {
	for _, p := range t {
		if p.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

// clientIP is the peer address, unless the peer is a trusted proxy. Then
// X-Forwarded-For is walked from the right and the first hop not owned by
// a trusted proxy wins.
func (t proxyTrust) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !t.trusted(peer) {
		return host
	}
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			break
		}
		if !t.trusted(addr) {
			return hop
		}
	}
	return host
}

func (a *App) clientIP(r *http.Request) string {
	return a.proxies.clientIP(r)
}

// CORS middleware handles CORS headers
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, A2A-Version")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimiter throttles unauthenticated endpoints per client IP.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	perMin   int
	clientIP func(*http.Request) string
}

func NewRateLimiter(limitPerMinute int, clientIP func(*http.Request) string) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		perMin:   limitPerMinute,
		clientIP: clientIP,
	}
}

func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[ip]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		limiter, exists = rl.limiters[ip]
		if !exists {
			limiter = rate.NewLimiter(rate.Limit(rl.perMin)/60, rl.perMin)
			rl.limiters[ip] = limiter
		}
		rl.mu.Unlock()
	}

	return limiter
}

// Middleware rejects requests over the per-IP budget. A non-positive
// budget disables limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.perMin > 0 && !rl.getLimiter(rl.clientIP(r)).Allow() {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Logging middleware logs requests
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		a.Logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", a.clientIP(r),
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}

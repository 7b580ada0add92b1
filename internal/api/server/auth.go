package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/rennerdo30/ovpn-bridge/internal/ratelimit"
)

const authMethodBearer = "bearer"

// tokenAuth checks bearer tokens against a plain token or a bcrypt hash.
// Clients that keep failing are answered with 429 until their bucket refills.
type tokenAuth struct {
	token    []byte
	hash     []byte
	recorder Recorder
	failures *ratelimit.KeyedLimiter
}

// newTokenAuth returns nil when neither token nor hash is configured.
func newTokenAuth(token, hash string, limit ratelimit.Config, recorder Recorder) *tokenAuth {
	if token == "" && hash == "" {
		return nil
	}
	t := &tokenAuth{token: []byte(token), hash: []byte(hash), recorder: recorder}
	if limit.Enabled() {
		t.failures = ratelimit.NewKeyedLimiter(limit)
	}
	return t
}

func (t *tokenAuth) check(presented string) bool {
	if len(t.hash) > 0 {
		return bcrypt.CompareHashAndPassword(t.hash, []byte(presented)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(presented), t.token) == 1
}

func (t *tokenAuth) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientKey(r.RemoteAddr)
		if t.failures != nil && t.failures.Blocked(client) {
			t.record(false, "rate_limited")
			w.Header().Set("Retry-After", "5")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		token := r.Header.Get("Authorization")
		if token == "" {
			// Fallback to query parameter for WebSocket connections
			token = r.URL.Query().Get("token")
		}
		token = strings.TrimPrefix(token, "Bearer ")

		if token == "" {
			t.fail(client, "missing")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		if !t.check(token) {
			t.fail(client, "invalid")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if t.failures != nil {
			t.failures.Reset(client)
		}
		t.record(true, "")
		next.ServeHTTP(w, r)
	})
}

func (t *tokenAuth) fail(client, reason string) {
	if t.failures != nil {
		t.failures.Allow(client)
	}
	t.record(false, reason)
}

func (t *tokenAuth) record(success bool, reason string) {
	if t.recorder != nil {
		t.recorder.RecordAuthAttempt(authMethodBearer, success, reason)
	}
}

func (t *tokenAuth) close() {
	if t != nil && t.failures != nil {
		t.failures.Close()
	}
}

func clientKey(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

package middleware

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/flasharb/internal/crypto"
)

const (
	// SignatureHeader carries a hex secp256k1 signature over the request.
	SignatureHeader = "X-Signature"
	// TimestampHeader carries the unix seconds covered by the signature.
	TimestampHeader = "X-Signature-Timestamp"

	maxSignedBody = 1 << 20
)

type signerKey struct{}

// SignerFrom returns the address recovered from the request signature.
func SignerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(signerKey{}).(common.Address)
	return addr, ok
}

// WithSigner attaches a verified signer to ctx.
func WithSigner(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, signerKey{}, addr)
}

// Signature recovers the signer of requests that carry SignatureHeader and
// stores it in the request context. The signed timestamp must be within
// maxSkew of now and each signed request is accepted once. Unsigned
// requests pass through without a signer; handlers that act on behalf of an
// address reject them.
func Signature(maxSkew time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	if maxSkew <= 0 {
		maxSkew = time.Minute
	}
	seen := newReplayCache()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sig := r.Header.Get(SignatureHeader)
			if sig == "" {
				next.ServeHTTP(w, r)
				return
			}

			ts, err := strconv.ParseInt(r.Header.Get(TimestampHeader), 10, 64)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid signature timestamp")
				return
			}
			now := time.Now()
			if skew := now.Sub(time.Unix(ts, 0)); skew > maxSkew || skew < -maxSkew {
				writeJSONError(w, http.StatusUnauthorized, "signature timestamp outside allowed window")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "unreadable request body")
				return
			}
			if len(body) > maxSignedBody {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			uri := r.URL.RequestURI()
			signer, err := crypto.RecoverRequestSigner(r.Method, uri, ts, body, sig)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid signature")
				return
			}
			// Keyed by digest and signer so a malleated signature is still a replay.
			key := signer.Hex() + string(crypto.RequestDigest(r.Method, uri, ts, body))
			if !seen.add(key, now, 2*maxSkew) {
				logger.WarnContext(r.Context(), "signed request replayed",
					slog.String("signer", signer.Hex()),
					slog.String("path", r.URL.Path),
				)
				writeJSONError(w, http.StatusUnauthorized, "signature already used")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSigner(r.Context(), signer)))
		})
	}
}

// replayCache remembers accepted request digests until they can no longer
// pass the timestamp check.
type replayCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newReplayCache() *replayCache {
	return &replayCache{entries: make(map[string]time.Time)}
}

// add records key and reports whether it was new.
func (c *replayCache) add(key string, now time.Time, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, exp := range c.entries {
		if now.After(exp) {
			delete(c.entries, k)
		}
	}
	if _, ok := c.entries[key]; ok {
		return false
	}
	c.entries[key] = now.Add(ttl)
	return true
}

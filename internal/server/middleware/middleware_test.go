package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/flasharb/internal/crypto"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var teapot = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
})

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	h := Auth("s3cret", "/api/health")(teapot)

	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing", "/api/stats", nil, http.StatusUnauthorized},
		{"wrong", "/api/stats", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"bearer", "/api/stats", map[string]string{"Authorization": "Bearer s3cret"}, http.StatusTeapot},
		{"header", "/api/stats", map[string]string{"X-API-Key": "s3cret"}, http.StatusTeapot},
		{"open path", "/api/health", nil, http.StatusTeapot},
		{"ws query", "/ws?api_key=s3cret", map[string]string{"Upgrade": "websocket"}, http.StatusTeapot},
		{"query without upgrade", "/api/stats?api_key=s3cret", nil, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, serve(h, req).Code)
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	rec := serve(Auth("")(teapot), httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"http://dash.local"})(teapot)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Origin", "http://dash.local")
	rec := serve(h, req)
	assert.Equal(t, "http://dash.local", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), SignatureHeader)

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Origin", "http://evil.local")
	assert.Empty(t, serve(h, req).Header().Get("Access-Control-Allow-Origin"))

	pre := serve(h, httptest.NewRequest(http.MethodOptions, "/api/stats", nil))
	assert.Equal(t, http.StatusNoContent, pre.Code)
}

func TestLoggingSetsRequestID(t *testing.T) {
	h := Logging(discard())(teapot)

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set(RequestIDHeader, "abc")
	assert.Equal(t, "abc", serve(h, req).Header().Get(RequestIDHeader))
}

type countingLimiter struct {
	keys  []string
	allow int
	err   error
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return false, l.err
	}
	return len(l.keys) <= l.allow, nil
}

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{allow: 1}
	h := RateLimit(lim, 1, 2*time.Second, discard())(teapot)

	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		return r
	}
	assert.Equal(t, http.StatusTeapot, serve(h, req()).Code)

	rec := serve(h, req())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	require.Len(t, lim.keys, 2)
	assert.Equal(t, "api:203.0.113.7", lim.keys[0])
}

func TestRateLimitFailsOpen(t *testing.T) {
	h := RateLimit(&countingLimiter{err: errors.New("redis down")}, 1, time.Second, discard())(teapot)
	assert.Equal(t, http.StatusTeapot, serve(h, httptest.NewRequest(http.MethodGet, "/", nil)).Code)

	// No limiter configured.
	h = RateLimit(nil, 1, time.Second, discard())(teapot)
	assert.Equal(t, http.StatusTeapot, serve(h, httptest.NewRequest(http.MethodGet, "/", nil)).Code)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.2:5555"
	assert.Equal(t, "198.51.100.2", ClientIP(r))

	r.Header.Set("X-Real-IP", "192.0.2.9")
	assert.Equal(t, "192.0.2.9", ClientIP(r))
}

const signerKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func signedRequest(t *testing.T, method, uri, body string, ts time.Time) *http.Request {
	t.Helper()
	op, err := crypto.ParseKey(signerKeyHex)
	require.NoError(t, err)
	sig, err := crypto.SignRequest(op.Key, method, uri, ts.Unix(), []byte(body))
	require.NoError(t, err)

	req := httptest.NewRequest(method, uri, strings.NewReader(body))
	req.Header.Set(SignatureHeader, sig)
	req.Header.Set(TimestampHeader, strconv.FormatInt(ts.Unix(), 10))
	return req
}

// echoSigner reports the recovered signer and the body the handler saw.
var echoSigner = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	addr, ok := SignerFrom(r.Context())
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	body, _ := io.ReadAll(r.Body)
	w.Header().Set("X-Signer", addr.Hex())
	w.Write(body)
})

func TestSignatureRecoversSigner(t *testing.T) {
	h := Signature(time.Minute, discard())(echoSigner)
	body := `{"index":7}`

	rec := serve(h, signedRequest(t, http.MethodPut, "/api/admin/volatility", body, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23").Hex(), rec.Header().Get("X-Signer"))
	assert.Equal(t, body, rec.Body.String(), "body is restored for the handler")
}

func TestSignatureUnsignedPassesWithoutSigner(t *testing.T) {
	h := Signature(time.Minute, discard())(echoSigner)
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSignatureRejectsForgery(t *testing.T) {
	h := Signature(time.Minute, discard())(echoSigner)

	tampered := signedRequest(t, http.MethodPut, "/api/admin/volatility", `{"index":7}`, time.Now())
	tampered.Body = io.NopCloser(strings.NewReader(`{"index":9000}`))
	// A different body recovers some other address, never the signer's.
	rec := serve(h, tampered)
	assert.NotEqual(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23").Hex(), rec.Header().Get("X-Signer"))

	stale := signedRequest(t, http.MethodPut, "/api/admin/volatility", `{"index":7}`, time.Now().Add(-5*time.Minute))
	assert.Equal(t, http.StatusUnauthorized, serve(h, stale).Code)

	garbage := httptest.NewRequest(http.MethodPost, "/api/executions", strings.NewReader("{}"))
	garbage.Header.Set(SignatureHeader, "0xdeadbeef")
	garbage.Header.Set(TimestampHeader, strconv.FormatInt(time.Now().Unix(), 10))
	assert.Equal(t, http.StatusUnauthorized, serve(h, garbage).Code)

	noTimestamp := signedRequest(t, http.MethodPost, "/api/executions", "{}", time.Now())
	noTimestamp.Header.Del(TimestampHeader)
	assert.Equal(t, http.StatusUnauthorized, serve(h, noTimestamp).Code)
}

func TestSignatureRejectsReplay(t *testing.T) {
	h := Signature(time.Minute, discard())(echoSigner)
	ts := time.Now()

	first := serve(h, signedRequest(t, http.MethodPost, "/api/executions", `{"loan_amount":"1"}`, ts))
	require.Equal(t, http.StatusOK, first.Code)

	again := serve(h, signedRequest(t, http.MethodPost, "/api/executions", `{"loan_amount":"1"}`, ts))
	assert.Equal(t, http.StatusUnauthorized, again.Code)
	assert.Contains(t, again.Body.String(), "already used")
}

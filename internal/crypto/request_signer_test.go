package crypto

import (
	"net/http"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignRequestRecoversSigner(t *testing.T) {
	op, err := ParseKey(testKey)
	require.NoError(t, err)
	body := []byte(`{"loan_amount":"1000"}`)

	sig, err := SignRequest(op.Key, http.MethodPost, "/api/executions", 1_700_000_000, body)
	require.NoError(t, err)
	raw, err := hexutil.Decode(sig)
	require.NoError(t, err)
	require.Len(t, raw, 65)
	assert.Contains(t, []byte{27, 28}, raw[64])

	addr, err := RecoverRequestSigner("post", "/api/executions", 1_700_000_000, body, sig)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), addr)
}

func TestRecoverRequestSignerBindsContent(t *testing.T) {
	op, err := ParseKey(testKey)
	require.NoError(t, err)
	body := []byte(`{"index":5}`)
	sig, err := SignRequest(op.Key, http.MethodPut, "/api/admin/volatility", 100, body)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		uri    string
		ts     int64
		body   []byte
	}{
		{"method", http.MethodPost, "/api/admin/volatility", 100, body},
		{"uri", http.MethodPut, "/api/admin/profit", 100, body},
		{"timestamp", http.MethodPut, "/api/admin/volatility", 101, body},
		{"body", http.MethodPut, "/api/admin/volatility", 100, []byte(`{"index":6}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := RecoverRequestSigner(tt.method, tt.uri, tt.ts, tt.body, sig)
			if err == nil {
				assert.NotEqual(t, op.Address, addr)
			}
		})
	}
}

func TestRecoverRequestSignerRejectsMalformed(t *testing.T) {
	for _, sig := range []string{"", "0x1234", "nothex", "0x"} {
		_, err := RecoverRequestSigner(http.MethodGet, "/", 0, nil, sig)
		assert.ErrorIs(t, err, ErrBadSignature, sig)
	}

	bad := make([]byte, 65)
	bad[64] = 30
	_, err := RecoverRequestSigner(http.MethodGet, "/", 0, nil, hexutil.Encode(bad))
	assert.ErrorIs(t, err, ErrBadSignature)
}

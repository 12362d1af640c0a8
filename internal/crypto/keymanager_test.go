package crypto

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known throwaway key; never holds funds.
const (
	testKey     = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testAddress = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
)

func TestParseKey(t *testing.T) {
	for _, in := range []string{testKey, "0x" + testKey, " " + testKey + "\n"} {
		op, err := ParseKey(in)
		require.NoError(t, err)
		assert.Equal(t, common.HexToAddress(testAddress), op.Address)
	}

	_, err := ParseKey("not-a-key")
	assert.Error(t, err)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	data, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)

	var kf keyFile
	require.NoError(t, json.Unmarshal(data, &kf))
	assert.Equal(t, testAddress, kf.Address)
	assert.NotContains(t, string(data), testKey)

	op, err := DecryptKey(data, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), op.Address)

	_, err = DecryptKey(data, "wrong")
	assert.Error(t, err)
}

func TestDecryptKeyRejectsSwappedAddress(t *testing.T) {
	data, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)

	var kf keyFile
	require.NoError(t, json.Unmarshal(data, &kf))
	kf.Address = "0x00000000000000000000000000000000000000aa"
	tampered, err := json.Marshal(kf)
	require.NoError(t, err)

	_, err = DecryptKey(tampered, "pw")
	assert.Error(t, err)
}

func TestEncryptKeyRequiresPassword(t *testing.T) {
	_, err := EncryptKey(testKey, "")
	assert.Error(t, err)
}

func TestLoadOperator(t *testing.T) {
	op, err := LoadOperator(KeyConfig{RawPrivateKey: testKey})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), op.Address)

	data, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "operator.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	op, err = LoadOperator(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), op.Address)

	_, err = LoadOperator(KeyConfig{})
	assert.Error(t, err)
}

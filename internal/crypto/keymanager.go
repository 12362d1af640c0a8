// Package crypto resolves the operator key: the secp256k1 identity the
// engine executes as in one-shot mode. Keys are kept either as raw hex or in
// a password-encrypted JSON file.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 480_000
	saltLen          = 16
	aesKeyLen        = 32
	keyFileVersion   = 1
)

// keyFile is the on-disk format of an encrypted key. Binary fields are
// standard base64.
type keyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig lists the places an operator key may come from. A raw key wins
// over an encrypted file.
type KeyConfig struct {
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

// Operator is a resolved signing identity.
type Operator struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

// ParseKey decodes a hex secp256k1 key, with or without 0x prefix.
func ParseKey(hexKey string) (Operator, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return Operator{}, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return Operator{Key: pk, Address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// LoadOperator resolves the operator from cfg.
func LoadOperator(cfg KeyConfig) (Operator, error) {
	switch {
	case cfg.RawPrivateKey != "":
		return ParseKey(cfg.RawPrivateKey)
	case cfg.EncryptedKeyPath != "":
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return Operator{}, fmt.Errorf("crypto: read key file: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	default:
		return Operator{}, errors.New("crypto: no operator key configured")
	}
}

// EncryptKey seals a hex private key under password with PBKDF2-HMAC-SHA256
// and AES-256-GCM. The operator address is stored in clear so key files can
// be identified without the password.
func EncryptKey(hexKey, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	op, err := ParseKey(hexKey)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	// The address is bound as additional data so it cannot be swapped.
	sealed := gcm.Seal(nil, nonce, ethcrypto.FromECDSA(op.Key), op.Address.Bytes())

	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Address:    op.Address.Hex(),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, "", "  ")
}

// DecryptKey opens a key file produced by EncryptKey.
func DecryptKey(data []byte, password string) (Operator, error) {
	if password == "" {
		return Operator{}, errors.New("crypto: password must not be empty")
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return Operator{}, fmt.Errorf("crypto: parse key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return Operator{}, fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	}
	if !common.IsHexAddress(kf.Address) {
		return Operator{}, fmt.Errorf("crypto: key file address %q is invalid", kf.Address)
	}
	addr := common.HexToAddress(kf.Address)

	var salt, nonce, sealed []byte
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{{"salt", kf.Salt, &salt}, {"nonce", kf.Nonce, &nonce}, {"ciphertext", kf.Ciphertext, &sealed}} {
		b, err := base64.StdEncoding.DecodeString(f.in)
		if err != nil {
			return Operator{}, fmt.Errorf("crypto: decode %s: %w", f.name, err)
		}
		*f.out = b
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return Operator{}, err
	}
	if len(nonce) != gcm.NonceSize() {
		return Operator{}, fmt.Errorf("crypto: nonce has %d bytes", len(nonce))
	}
	raw, err := gcm.Open(nil, nonce, sealed, addr.Bytes())
	if err != nil {
		return Operator{}, fmt.Errorf("crypto: decrypt key (wrong password?): %w", err)
	}

	pk, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return Operator{}, fmt.Errorf("crypto: decrypted key is invalid: %w", err)
	}
	op := Operator{Key: pk, Address: ethcrypto.PubkeyToAddress(pk.PublicKey)}
	if op.Address != addr {
		return Operator{}, fmt.Errorf("crypto: key file address %s does not match key %s", addr.Hex(), op.Address.Hex())
	}
	return op, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return gcm, nil
}

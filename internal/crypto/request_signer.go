package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrBadSignature is returned for signatures that cannot be decoded or
// recovered.
var ErrBadSignature = errors.New("crypto: bad request signature")

// RequestDigest returns the EIP-191 personal-message hash of the canonical
// request form:
//
//	METHOD "\n" request-uri "\n" unix-seconds "\n" hex(keccak256(body))
func RequestDigest(method, uri string, timestamp int64, body []byte) []byte {
	msg := fmt.Sprintf("%s\n%s\n%d\n%s",
		strings.ToUpper(method), uri, timestamp, hexutil.Encode(ethcrypto.Keccak256(body)))
	return accounts.TextHash([]byte(msg))
}

// SignRequest signs a request with key and returns the 65-byte signature as
// 0x-prefixed hex with v in {27,28}.
func SignRequest(key *ecdsa.PrivateKey, method, uri string, timestamp int64, body []byte) (string, error) {
	sig, err := ethcrypto.Sign(RequestDigest(method, uri, timestamp, body), key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign request: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// RecoverRequestSigner returns the address that produced signature over the
// request. A signature over different content recovers a different address.
func RecoverRequestSigner(method, uri string, timestamp int64, body []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, ErrBadSignature
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, ErrBadSignature
	}
	pub, err := ethcrypto.SigToPub(RequestDigest(method, uri, timestamp, body), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

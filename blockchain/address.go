package blockchain

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
	"golang.org/x/crypto/ripemd160"
)

const addressVersion = byte(0x3f) // renders with an "S" prefix

// PubKeyToAddress derives a base58check address from a compressed public key.
func PubKeyToAddress(pubKey []byte) string {
	sha := sha256.Sum256(pubKey)

	rip := ripemd160.New()
	_, _ = rip.Write(sha[:])
	pubHash := rip.Sum(nil)

	payload := make([]byte, 0, 1+20+4)
	payload = append(payload, addressVersion)
	payload = append(payload, pubHash...)

	payload = append(payload, checksum(payload)...)
	return base58.Encode(payload)
}

// ValidateAddress checks version byte, length and checksum.
func ValidateAddress(addr string) error {
	raw := base58.Decode(addr)
	if len(raw) != 1+20+4 {
		return fmt.Errorf("%w: address length", ErrMalformedInput)
	}
	if raw[0] != addressVersion {
		return fmt.Errorf("%w: address version", ErrMalformedInput)
	}
	if !bytes.Equal(checksum(raw[:21]), raw[21:]) {
		return fmt.Errorf("%w: address checksum", ErrMalformedInput)
	}
	return nil
}

func checksum(payload []byte) []byte {
	h1 := sha256.Sum256(payload)
	h2 := sha256.Sum256(h1[:])
	return h2[:4]
}

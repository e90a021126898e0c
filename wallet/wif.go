package wallet

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcutil/base58"

	"shadowledger/blockchain"
)

const wifPrefix = byte(0x80)

func wifChecksum(raw []byte) []byte {
	h1 := sha256.Sum256(raw)
	h2 := sha256.Sum256(h1[:])
	return h2[:4]
}

// ExportWIF encodes the private key as prefix ‖ key ‖ checksum in base58.
func (w *Wallet) ExportWIF() string {
	raw := append([]byte{wifPrefix}, w.PrivateKey.Serialize()...)
	return base58.Encode(append(raw, wifChecksum(raw)...))
}

func ImportWIF(wif string) (*Wallet, error) {
	raw := base58.Decode(wif)
	if len(raw) != 1+32+4 || raw[0] != wifPrefix {
		return nil, fmt.Errorf("%w: not a WIF key", blockchain.ErrKeyFormat)
	}
	if !bytes.Equal(wifChecksum(raw[:33]), raw[33:]) {
		return nil, fmt.Errorf("%w: WIF checksum mismatch", blockchain.ErrKeyFormat)
	}
	priv, err := blockchain.ParsePrivateKey(raw[1:33])
	if err != nil {
		return nil, err
	}
	return FromKey(priv), nil
}

// SaveWallet writes the key as one WIF line, readable by the owner only.
// An existing file is replaced atomically.
func SaveWallet(path string, w *Wallet) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(w.ExportWIF()+"\n"), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func LoadWallet(path string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	w, err := ImportWIF(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", path, err)
	}
	return w, nil
}

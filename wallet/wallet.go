package wallet

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/tyler-smith/go-bip39"

	"shadowledger/blockchain"
)

// ErrInvalidMnemonic is a phrase that fails the BIP-39 checksum.
var ErrInvalidMnemonic = errors.New("invalid mnemonic")

type Wallet struct {
	PrivateKey *btcec.PrivateKey
	PublicKey  []byte
	Address    string
	Mnemonic   string // empty when imported from WIF
}

// NewWallet creates a key from a fresh 12-word mnemonic.
func NewWallet() (*Wallet, error) {
	entropy := make([]byte, 16)
	if _, err := rand.Read(entropy); err != nil {
		return nil, fmt.Errorf("generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("generate mnemonic: %w", err)
	}
	return FromMnemonic(mnemonic, "")
}

// FromMnemonic derives the key deterministically: the first 32 bytes of the
// BIP-39 seed are the secp256k1 scalar.
func FromMnemonic(mnemonic, passphrase string) (*Wallet, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	priv, err := blockchain.ParsePrivateKey(seed[:32])
	if err != nil {
		return nil, err
	}
	w := FromKey(priv)
	w.Mnemonic = mnemonic
	return w, nil
}

func FromKey(priv *btcec.PrivateKey) *Wallet {
	pub := priv.PubKey().SerializeCompressed()
	return &Wallet{
		PrivateKey: priv,
		PublicKey:  pub,
		Address:    blockchain.PubKeyToAddress(pub),
	}
}

// NewTransfer builds and signs a transaction from this wallet.
func (w *Wallet) NewTransfer(to string, amount uint64) (*blockchain.Transaction, error) {
	if err := blockchain.ValidateAddress(to); err != nil {
		return nil, err
	}
	tx := blockchain.NewTransaction(w.Address, to, amount)
	if err := blockchain.Seal(tx, w.PrivateKey); err != nil {
		return nil, err
	}
	return tx, nil
}

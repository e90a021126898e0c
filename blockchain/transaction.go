package blockchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	ecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// Transaction moves Amount minor units from Sender to Recipient.
//
// Signature and TxID are both derived from the canonical encoding of the
// other fields; PublicKey is the sender's compressed key in hex and lets a
// remote node resolve the sender without sharing a key directory.
type Transaction struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	PublicKey string `json:"public_key,omitempty"`
	Signature string `json:"signature"`
	TxID      string `json:"txid"`
}

// canonicalTx lists the signed fields in key order. encoding/json keeps
// struct field order, which makes the output independent of how the
// transaction was built.
type canonicalTx struct {
	Amount    uint64 `json:"amount"`
	Recipient string `json:"recipient"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
}

// NewTransaction builds an unsigned transaction stamped with the current time.
func NewTransaction(sender, recipient string, amount uint64) *Transaction {
	return &Transaction{
		Sender:    sender,
		Recipient: recipient,
		Amount:    amount,
		Timestamp: time.Now().UnixMilli(),
	}
}

// CheckShape rejects transactions that cannot be encoded canonically.
func (tx *Transaction) CheckShape() error {
	if tx == nil {
		return fmt.Errorf("%w: nil transaction", ErrMalformedInput)
	}
	if tx.Sender == "" || tx.Recipient == "" {
		return fmt.Errorf("%w: empty sender or recipient", ErrMalformedInput)
	}
	if tx.Timestamp <= 0 {
		return fmt.Errorf("%w: non-positive timestamp", ErrMalformedInput)
	}
	return nil
}

// CanonicalBytes is the deterministic encoding of every field except the
// signature, the public key and the txid.
func (tx *Transaction) CanonicalBytes() ([]byte, error) {
	if err := tx.CheckShape(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(canonicalTx{
		Amount:    tx.Amount,
		Recipient: tx.Recipient,
		Sender:    tx.Sender,
		Timestamp: tx.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return data, nil
}

func (tx *Transaction) digest() ([]byte, error) {
	data, err := tx.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(data)
	return h[:], nil
}

// DeriveTxID returns the hex sha256 of the canonical bytes. It is the only
// de-duplication key on the network and is always recomputed, never read
// from the wire.
func DeriveTxID(tx *Transaction) (string, error) {
	h, err := tx.digest()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h), nil
}

// ParsePrivateKey checks that raw is a valid secp256k1 scalar.
func ParsePrivateKey(raw []byte) (*btcec.PrivateKey, error) {
	if len(raw) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrKeyFormat, btcec.PrivKeyBytesLen, len(raw))
	}
	var s btcec.ModNScalar
	if overflow := s.SetByteSlice(raw); overflow || s.IsZero() {
		return nil, fmt.Errorf("%w: scalar out of range", ErrKeyFormat)
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

// Sign signs the canonical bytes of tx with a raw 32-byte private key and
// returns the hex DER signature.
func Sign(tx *Transaction, privateKey []byte) (string, error) {
	priv, err := ParsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	return SignWithKey(tx, priv)
}

// SignWithKey is Sign for an already parsed key.
func SignWithKey(tx *Transaction, priv *btcec.PrivateKey) (string, error) {
	if priv == nil {
		return "", fmt.Errorf("%w: nil key", ErrKeyFormat)
	}
	h, err := tx.digest()
	if err != nil {
		return "", err
	}
	sig := ecdsa.Sign(priv, h)
	return hex.EncodeToString(sig.Serialize()), nil
}

// Seal signs tx in place and fills PublicKey and TxID.
func Seal(tx *Transaction, priv *btcec.PrivateKey) error {
	sig, err := SignWithKey(tx, priv)
	if err != nil {
		return err
	}
	txid, err := DeriveTxID(tx)
	if err != nil {
		return err
	}
	tx.Signature = sig
	tx.PublicKey = hex.EncodeToString(priv.PubKey().SerializeCompressed())
	tx.TxID = txid
	return nil
}

// Verify checks signature over the canonical bytes of tx. A signature that
// parses but does not verify yields false with a nil error; only encodings
// that cannot be parsed at all return ErrMalformedInput.
func Verify(tx *Transaction, signature string, pub *btcec.PublicKey) (bool, error) {
	if pub == nil {
		return false, fmt.Errorf("%w: nil public key", ErrMalformedInput)
	}
	h, err := tx.digest()
	if err != nil {
		return false, err
	}
	raw, err := hex.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("%w: signature is not hex", ErrMalformedInput)
	}
	sig, err := ecdsa.ParseDERSignature(raw)
	if err != nil {
		return false, fmt.Errorf("%w: signature is not DER", ErrMalformedInput)
	}
	return sig.Verify(h, pub), nil
}

// KeyResolver supplies the verifying key for an address.
type KeyResolver interface {
	PubKeyFor(address string) (*btcec.PublicKey, error)
}

// SenderKey resolves the sender's verifying key. An embedded PublicKey must
// derive to the sender address; otherwise keys is consulted.
func SenderKey(tx *Transaction, keys KeyResolver) (*btcec.PublicKey, error) {
	if tx.PublicKey != "" {
		raw, err := hex.DecodeString(tx.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: public key is not hex", ErrMalformedInput)
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		if PubKeyToAddress(pub.SerializeCompressed()) != tx.Sender {
			return nil, fmt.Errorf("%w: public key does not belong to sender", ErrInvalidSignature)
		}
		return pub, nil
	}
	if keys == nil {
		return nil, fmt.Errorf("%w: unknown sender %s", ErrInvalidSignature, tx.Sender)
	}
	pub, err := keys.PubKeyFor(tx.Sender)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return pub, nil
}

// CheckTransaction recomputes the txid, compares it with the carried one,
// checks the recipient address and verifies the signature. It returns the
// recomputed txid.
func CheckTransaction(tx *Transaction, keys KeyResolver) (string, error) {
	txid, err := DeriveTxID(tx)
	if err != nil {
		return "", err
	}
	if err := ValidateAddress(tx.Recipient); err != nil {
		return "", fmt.Errorf("recipient: %w", err)
	}
	if tx.TxID != "" && tx.TxID != txid {
		return "", fmt.Errorf("%w: txid mismatch", ErrMalformedInput)
	}
	pub, err := SenderKey(tx, keys)
	if err != nil {
		return "", err
	}
	ok, err := Verify(tx, tx.Signature, pub)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: tx %s", ErrInvalidSignature, txid)
	}
	return txid, nil
}

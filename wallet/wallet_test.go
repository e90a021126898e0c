package wallet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadowledger/blockchain"
	"shadowledger/database"
)

const phrase = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestMnemonicIsDeterministic(t *testing.T) {
	w1, err := FromMnemonic(phrase, "")
	require.NoError(t, err)
	w2, err := FromMnemonic("  abandon abandon abandon abandon abandon abandon\nabandon abandon abandon abandon abandon about ", "")
	require.NoError(t, err)
	assert.Equal(t, w1.Address, w2.Address)
	assert.NoError(t, blockchain.ValidateAddress(w1.Address))

	w3, err := FromMnemonic(phrase, "extra")
	require.NoError(t, err)
	assert.NotEqual(t, w1.Address, w3.Address)
}

func TestInvalidMnemonic(t *testing.T) {
	_, err := FromMnemonic("abandon abandon abandon", "")
	assert.ErrorIs(t, err, ErrInvalidMnemonic)
}

func TestNewWalletRecovers(t *testing.T) {
	w, err := NewWallet()
	require.NoError(t, err)
	require.NotEmpty(t, w.Mnemonic)

	again, err := FromMnemonic(w.Mnemonic, "")
	require.NoError(t, err)
	assert.Equal(t, w.Address, again.Address)
}

func TestWIFRoundTrip(t *testing.T) {
	w, err := NewWallet()
	require.NoError(t, err)

	back, err := ImportWIF(w.ExportWIF())
	require.NoError(t, err)
	assert.Equal(t, w.Address, back.Address)
	assert.Equal(t, w.PrivateKey.Serialize(), back.PrivateKey.Serialize())

	wif := []byte(w.ExportWIF())
	if wif[5] == 'a' {
		wif[5] = 'b'
	} else {
		wif[5] = 'a'
	}
	_, err = ImportWIF(string(wif))
	assert.ErrorIs(t, err, blockchain.ErrKeyFormat)

	_, err = ImportWIF("short")
	assert.ErrorIs(t, err, blockchain.ErrKeyFormat)
}

func TestSaveLoad(t *testing.T) {
	w, err := NewWallet()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "wallet.wif")
	require.NoError(t, SaveWallet(path, w))

	back, err := LoadWallet(path)
	require.NoError(t, err)
	assert.Equal(t, w.Address, back.Address)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0600))
	_, err = LoadWallet(path)
	assert.ErrorIs(t, err, blockchain.ErrKeyFormat)
}

func TestNewTransferVerifies(t *testing.T) {
	a, err := NewWallet()
	require.NoError(t, err)
	b, err := NewWallet()
	require.NoError(t, err)

	tx, err := a.NewTransfer(b.Address, 5)
	require.NoError(t, err)
	txid, err := blockchain.CheckTransaction(tx, nil)
	require.NoError(t, err)
	assert.Equal(t, tx.TxID, txid)

	_, err = a.NewTransfer("bogus", 5)
	assert.Error(t, err)
}

func TestDirectoryResolvesKeys(t *testing.T) {
	db, err := database.OpenDB(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	defer db.Close()

	w, err := NewWallet()
	require.NoError(t, err)
	dir := NewDirectory(db)
	addr, err := dir.Register(w.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, w.Address, addr)

	// A transaction without an embedded key verifies through the directory.
	other, err := NewWallet()
	require.NoError(t, err)
	tx, err := w.NewTransfer(other.Address, 1)
	require.NoError(t, err)
	tx.PublicKey = ""
	_, err = blockchain.CheckTransaction(tx, dir)
	require.NoError(t, err)

	_, err = dir.PubKeyFor(other.Address)
	assert.ErrorIs(t, err, ErrUnknownAddress)

	reloaded := NewDirectory(db)
	require.NoError(t, reloaded.Load())
	pub, err := reloaded.PubKeyFor(w.Address)
	require.NoError(t, err)
	assert.Equal(t, w.PublicKey, pub.SerializeCompressed())

	_, err = dir.RegisterHex("zz")
	assert.ErrorIs(t, err, blockchain.ErrKeyFormat)
}

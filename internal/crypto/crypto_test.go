package crypto

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestHeadersAtDeterministic(t *testing.T) {
	auth := &HMACAuth{Key: "k", Secret: "s", Passphrase: "p"}
	h := auth.HeadersAt("POST", "/api/v1/orders", `{"a":1}`, 1700000000000)

	if h[HeaderAPIKey] != "k" || h[HeaderPassphrase] != "p" {
		t.Fatalf("unexpected headers: %v", h)
	}
	if h[HeaderTimestamp] != "1700000000000" {
		t.Fatalf("timestamp = %q", h[HeaderTimestamp])
	}
	want := Sign("s", "1700000000000POST/api/v1/orders{\"a\":1}")
	if h[HeaderSignature] != want {
		t.Fatalf("signature = %q, want %q", h[HeaderSignature], want)
	}
}

func TestHeadersOmitEmptyPassphrase(t *testing.T) {
	h := (&HMACAuth{Key: "k", Secret: "s"}).HeadersAt("GET", "/x", "", 1)
	if _, ok := h[HeaderPassphrase]; ok {
		t.Fatal("passphrase header set without passphrase")
	}
}

func TestEncryptDecryptKeyFile(t *testing.T) {
	blob, err := EncryptKey("0x"+testKey, "hunter2")
	if err != nil {
		t.Fatalf("EncryptKey: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.json")
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadKey(KeySource{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if got != testKey {
		t.Fatalf("LoadKey = %q, want %q", got, testKey)
	}

	if _, err := LoadKey(KeySource{EncryptedKeyPath: path, KeyPassword: "wrong"}); err == nil {
		t.Fatal("expected error for wrong password")
	}
}

func TestLoadKeyRawWins(t *testing.T) {
	got, err := LoadKey(KeySource{RawPrivateKey: "0x" + testKey, EncryptedKeyPath: "/does/not/exist"})
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if got != testKey {
		t.Fatalf("LoadKey = %q", got)
	}
	if _, err := LoadKey(KeySource{}); err == nil {
		t.Fatal("expected error for empty source")
	}
}

func TestTxSignerRecoversSender(t *testing.T) {
	s, err := NewTxSigner(testKey, 1)
	if err != nil {
		t.Fatalf("NewTxSigner: %v", err)
	}
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     0,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(1),
	})
	signed, err := s.SignTx(tx)
	if err != nil {
		t.Fatalf("SignTx: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), signed)
	if err != nil {
		t.Fatalf("Sender: %v", err)
	}
	if from != s.Address() {
		t.Fatalf("sender = %s, want %s", from.Hex(), s.Address().Hex())
	}
}

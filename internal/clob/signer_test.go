package clob

import (
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Well-known throwaway key (hardhat account #0). Never funded on mainnet.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestNewSignerEOA(t *testing.T) {
	s, err := NewSigner(testPrivateKey, "")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	want := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	if s.SignerAddress() != want {
		t.Errorf("signer = %s, want %s", s.SignerAddress().Hex(), want.Hex())
	}
	if s.MakerAddress() != want {
		t.Errorf("maker = %s, want signer EOA", s.MakerAddress().Hex())
	}
	if s.SignatureType() != SignatureTypeEOA {
		t.Errorf("sigType = %d, want EOA", s.SignatureType())
	}
}

func TestNewSignerProxyFunder(t *testing.T) {
	funder := "0x1111111111111111111111111111111111111111"
	s, err := NewSigner("0x"+testPrivateKey, funder)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if s.MakerAddress() != common.HexToAddress(funder) {
		t.Errorf("maker = %s, want funder proxy", s.MakerAddress().Hex())
	}
	if s.SignatureType() != SignatureTypePolyProxy {
		t.Errorf("sigType = %d, want proxy", s.SignatureType())
	}
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	if _, err := NewSigner("not-a-key", ""); err == nil {
		t.Fatal("expected error for invalid private key")
	}
}

// TestSignOrderRecoverable re-derives the signing address from the
// signature over the reconstructed digest.
func TestSignOrderRecoverable(t *testing.T) {
	s, err := NewSigner(testPrivateKey, "")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	tokenID := "71321045679252212594626385532706912750332728571942532289631379312455583992563"
	salt := int64(1724500000000)
	var makerRaw, takerRaw int64 = 2_500_000, 5_000_000

	sigHex, err := s.SignOrder(tokenID, salt, makerRaw, takerRaw, SideBuy)
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	if !strings.HasPrefix(sigHex, "0x") {
		t.Fatalf("signature not hex-prefixed: %s", sigHex)
	}
	sig, err := hex.DecodeString(sigHex[2:])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("signature length = %d, want 65", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("v = %d, want 27 or 28", sig[64])
	}

	// Rebuild the digest independently of the cached words.
	tokenN, _ := new(big.Int).SetString(tokenID, 10)
	orderHash := crypto.Keccak256(
		orderTypeHash,
		padUint(salt),
		common.LeftPadBytes(s.MakerAddress().Bytes(), 32),
		common.LeftPadBytes(s.SignerAddress().Bytes(), 32),
		make([]byte, 32),
		common.LeftPadBytes(tokenN.Bytes(), 32),
		padUint(makerRaw),
		padUint(takerRaw),
		make([]byte, 32),
		make([]byte, 32),
		padUint(FeeRateBps),
		padUint(SideBuy),
		padUint(SignatureTypeEOA),
	)
	digest := crypto.Keccak256([]byte{0x19, 0x01}, buildDomainSeparator(), orderHash)

	recover := make([]byte, 65)
	copy(recover, sig)
	recover[64] -= 27
	pub, err := crypto.SigToPub(digest, recover)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if got := crypto.PubkeyToAddress(*pub); got != s.SignerAddress() {
		t.Errorf("recovered %s, want %s", got.Hex(), s.SignerAddress().Hex())
	}
}

func TestSignOrderDeterministic(t *testing.T) {
	s, err := NewSigner(testPrivateKey, "")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	a, err := s.SignOrder("12345", 1, 1_000_000, 2_000_000, SideBuy)
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	// Second call hits the token word cache; must produce the same bytes.
	b, err := s.SignOrder("12345", 1, 1_000_000, 2_000_000, SideBuy)
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	if a != b {
		t.Errorf("signatures differ across cache hit:\n%s\n%s", a, b)
	}
}

func TestSignOrderRejectsBadTokenID(t *testing.T) {
	s, err := NewSigner(testPrivateKey, "")
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	if _, err := s.SignOrder("0xnothex", 1, 1, 1, SideBuy); err == nil {
		t.Fatal("expected error for non-decimal token id")
	}
}

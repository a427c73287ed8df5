// Package clob signs and submits orders against the Polymarket CTF
// Exchange. Hashing is done against pre-padded 32-byte words instead of
// generic typed-data encoding to keep the hot path allocation-light.
package clob

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Polymarket CTF Exchange (Polygon mainnet).
const (
	PolygonChainID     = 137
	CTFExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"
	ZeroAddress        = "0x0000000000000000000000000000000000000000"

	FeeRateBps = 1000
)

// Signature types.
const (
	SignatureTypeEOA       = 0
	SignatureTypePolyProxy = 1
)

// Order sides.
const (
	SideBuy  = 0
	SideSell = 1
)

var (
	orderTypeHash = crypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"))
	domainTypeHash = crypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
)

// Signer produces EIP-712 order signatures. All invariant operands of the
// struct hash are padded once at construction.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	signerAddr common.Address
	makerAddr  common.Address
	sigType    int

	domainSeparator []byte

	paddedMaker   []byte
	paddedSigner  []byte
	paddedSigType []byte
	paddedTaker   []byte
	paddedExpiry  []byte
	paddedNonce   []byte
	paddedFeeRate []byte
	paddedSideBuy []byte
	paddedSideSel []byte

	// The engine only ever trades the two tokens of the active window, so
	// a two-slot cache covers the padding of tokenId.
	tokenMu    sync.Mutex
	tokenIDs   [2]string
	tokenWords [2][]byte
}

// NewSigner derives the signer address from the private key. When funder
// is non-empty the order maker is the proxy wallet and signature type 1
// is used; otherwise the signer EOA is the maker.
func NewSigner(privateKeyHex, funder string) (*Signer, error) {
	if len(privateKeyHex) > 2 && privateKeyHex[:2] == "0x" {
		privateKeyHex = privateKeyHex[2:]
	}
	pk, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	s := &Signer{
		privateKey: pk,
		signerAddr: crypto.PubkeyToAddress(pk.PublicKey),
	}
	if funder != "" {
		s.makerAddr = common.HexToAddress(funder)
		s.sigType = SignatureTypePolyProxy
	} else {
		s.makerAddr = s.signerAddr
		s.sigType = SignatureTypeEOA
	}

	s.domainSeparator = buildDomainSeparator()

	s.paddedMaker = common.LeftPadBytes(s.makerAddr.Bytes(), 32)
	s.paddedSigner = common.LeftPadBytes(s.signerAddr.Bytes(), 32)
	s.paddedSigType = padUint(int64(s.sigType))
	s.paddedTaker = make([]byte, 32)
	s.paddedExpiry = make([]byte, 32)
	s.paddedNonce = make([]byte, 32)
	s.paddedFeeRate = padUint(FeeRateBps)
	s.paddedSideBuy = padUint(SideBuy)
	s.paddedSideSel = padUint(SideSell)

	return s, nil
}

func buildDomainSeparator() []byte {
	return crypto.Keccak256(
		domainTypeHash,
		crypto.Keccak256([]byte("Polymarket CTF Exchange")),
		crypto.Keccak256([]byte("1")),
		padUint(PolygonChainID),
		common.LeftPadBytes(common.HexToAddress(CTFExchangeAddress).Bytes(), 32),
	)
}

func padUint(v int64) []byte {
	return common.LeftPadBytes(big.NewInt(v).Bytes(), 32)
}

// SignerAddress returns the address derived from the private key.
func (s *Signer) SignerAddress() common.Address { return s.signerAddr }

// MakerAddress returns the order maker (funder proxy or signer EOA).
func (s *Signer) MakerAddress() common.Address { return s.makerAddr }

// SignatureType returns 0 for EOA, 1 for proxy-funded orders.
func (s *Signer) SignatureType() int { return s.sigType }

// tokenWord pads a decimal tokenId to a 32-byte word, caching the last
// two ids seen.
func (s *Signer) tokenWord(tokenID string) ([]byte, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	for i, id := range s.tokenIDs {
		if id == tokenID {
			return s.tokenWords[i], nil
		}
	}

	n, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token id: %q", tokenID)
	}
	word := common.LeftPadBytes(n.Bytes(), 32)

	s.tokenIDs[1] = s.tokenIDs[0]
	s.tokenWords[1] = s.tokenWords[0]
	s.tokenIDs[0] = tokenID
	s.tokenWords[0] = word
	return word, nil
}

// SignOrder hashes the order struct, wraps it in the EIP-191 envelope and
// signs with secp256k1. Returns the 65-byte r||s||v signature hex-encoded.
func (s *Signer) SignOrder(tokenID string, salt, makerAmountRaw, takerAmountRaw int64, side int) (string, error) {
	tokenWord, err := s.tokenWord(tokenID)
	if err != nil {
		return "", err
	}

	sideWord := s.paddedSideBuy
	if side == SideSell {
		sideWord = s.paddedSideSel
	}

	orderHash := crypto.Keccak256(
		orderTypeHash,
		padUint(salt),
		s.paddedMaker,
		s.paddedSigner,
		s.paddedTaker,
		tokenWord,
		padUint(makerAmountRaw),
		padUint(takerAmountRaw),
		s.paddedExpiry,
		s.paddedNonce,
		s.paddedFeeRate,
		sideWord,
		s.paddedSigType,
	)

	digest := crypto.Keccak256([]byte{0x19, 0x01}, s.domainSeparator, orderHash)

	sig, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return fmt.Sprintf("0x%x", sig), nil
}

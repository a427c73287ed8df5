package clob

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	minOrderTokens = 5.0
	tickSize       = 0.01
	minLimit       = 0.01
	maxLimit       = 0.99

	// Raw USDC amounts must land on these grids or the exchange rejects
	// the order with "invalid amounts".
	makerAmountGrid = 10_000 // 2 decimals of USDC
	takerAmountGrid = 100    // 4 decimals of tokens

	prewarmDelay = 2 * time.Second
)

// StatusMatched is the terminal success status of a FOK submission.
const StatusMatched = "MATCHED"

// OrderResult is the outcome of one submission attempt.
type OrderResult struct {
	Success      bool
	OrderID      string
	Status       string
	LimitPrice   float64
	ActualAmount float64 // USDC committed: size x limit
	ActualSize   float64 // tokens bought
	Err          string
}

// Client submits signed FOK orders and reads the collateral balance.
// Uses net/http directly: the L2 HMAC covers the exact body bytes, so the
// body must be marshalled once and passed through untouched.
type Client struct {
	baseURL    string
	apiKey     string
	passphrase string
	dryRun     bool

	httpClient *http.Client

	signerMu sync.Mutex
	signer   *Signer
	initErr  error
	initDone bool

	privateKey string
	funder     string
	apiSecret  string
	secretKey  []byte
}

func NewClient(baseURL, privateKey, apiKey, apiSecret, passphrase, funder string, timeout time.Duration, dryRun bool) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		passphrase: passphrase,
		privateKey: privateKey,
		funder:     funder,
		dryRun:     dryRun,
		httpClient: &http.Client{Timeout: timeout},
	}
	if !dryRun {
		go c.prewarm()
	}
	return c
}

// ensureInitialized lazily builds the signer and HMAC key. Guarded so a
// bad key surfaces once per attempt rather than crashing startup.
func (c *Client) ensureInitialized() error {
	c.signerMu.Lock()
	defer c.signerMu.Unlock()

	if c.initDone {
		return c.initErr
	}
	c.initDone = true

	signer, err := NewSigner(c.privateKey, c.funder)
	if err != nil {
		c.initErr = err
		return err
	}
	c.signer = signer
	c.secretKey = decodeSecret(c.apiSecret)

	log.Info().
		Str("signer", signer.SignerAddress().Hex()).
		Str("maker", signer.MakerAddress().Hex()).
		Int("sig_type", signer.SignatureType()).
		Msg("💳 Order signer initialized")
	return nil
}

// decodeSecret handles the url-safe base64 the CLOB hands out, with and
// without padding, falling back to standard base64.
func decodeSecret(secret string) []byte {
	if b, err := base64.URLEncoding.DecodeString(secret); err == nil {
		return b
	}
	padded := secret
	if len(padded)%4 != 0 {
		padded += strings.Repeat("=", 4-len(padded)%4)
	}
	if b, err := base64.URLEncoding.DecodeString(padded); err == nil {
		return b
	}
	b, _ := base64.StdEncoding.DecodeString(secret)
	return b
}

// prewarm opens the TLS connection pool ahead of the first order.
func (c *Client) prewarm() {
	time.Sleep(prewarmDelay)
	resp, err := c.httpClient.Get(c.baseURL + "/tick-size")
	if err != nil {
		log.Debug().Err(err).Msg("Connection prewarm failed")
		return
	}
	resp.Body.Close()
	log.Debug().Msg("CLOB connection prewarmed")
}

// LimitFor returns the cent-rounded limit price for an attempt: one tick
// of slippage plus two more per retry, clamped to the valid band.
func LimitFor(price float64, side string, retryCount int) float64 {
	slippage := float64(1+retryCount*2) * tickSize
	limit := price + slippage
	if side == "SELL" {
		limit = price - slippage
	}
	if limit < minLimit {
		limit = minLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return math.Round(limit*100) / 100
}

// SizeFor converts a USDC amount at a limit price into a token size with
// the exchange's 5-token minimum, truncated to 2 decimals.
func SizeFor(amount, limit float64) float64 {
	size := math.Floor(amount/limit*100) / 100
	if size < minOrderTokens {
		size = minOrderTokens
	}
	return size
}

// RawAmounts scales size and limit into 1e6-based integer amounts floored
// to the exchange grids.
func RawAmounts(size, limit float64) (makerRaw, takerRaw int64) {
	makerRaw = int64(math.Round(size * limit * 1e6))
	makerRaw -= makerRaw % makerAmountGrid
	takerRaw = int64(math.Round(size * 1e6))
	takerRaw -= takerRaw % takerAmountGrid
	return
}

type orderPayload struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type orderRequest struct {
	Order     orderPayload `json:"order"`
	Owner     string       `json:"owner"`
	OrderType string       `json:"orderType"`
	PostOnly  bool         `json:"postOnly"`
}

type orderResponse struct {
	Success  bool   `json:"success"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
	ErrorMsg string `json:"errorMsg"`
}

// PlaceOrder submits one FOK attempt. retryCount widens the limit price;
// the caller owns the retry loop and its ceiling.
func (c *Client) PlaceOrder(tokenID string, amount, price float64, side string, retryCount int) OrderResult {
	limit := LimitFor(price, side, retryCount)
	size := SizeFor(amount, limit)
	makerRaw, takerRaw := RawAmounts(size, limit)

	if makerRaw <= 0 || takerRaw <= 0 {
		return OrderResult{Status: "REJECTED", LimitPrice: limit,
			Err: fmt.Sprintf("degenerate amounts: maker=%d taker=%d", makerRaw, takerRaw)}
	}

	if c.dryRun {
		return OrderResult{
			Success:      true,
			OrderID:      fmt.Sprintf("DRY-%d", time.Now().UnixMilli()),
			Status:       StatusMatched,
			LimitPrice:   limit,
			ActualAmount: size * limit,
			ActualSize:   size,
		}
	}

	if err := c.ensureInitialized(); err != nil {
		return OrderResult{Status: "ERROR", LimitPrice: limit, Err: err.Error()}
	}

	salt := time.Now().UnixMilli()
	sideInt := SideBuy
	if side == "SELL" {
		sideInt = SideSell
	}
	signature, err := c.signer.SignOrder(tokenID, salt, makerRaw, takerRaw, sideInt)
	if err != nil {
		return OrderResult{Status: "ERROR", LimitPrice: limit, Err: err.Error()}
	}

	body, err := json.Marshal(orderRequest{
		Order: orderPayload{
			Salt:          salt,
			Maker:         c.signer.MakerAddress().Hex(),
			Signer:        c.signer.SignerAddress().Hex(),
			Taker:         ZeroAddress,
			TokenID:       tokenID,
			MakerAmount:   strconv.FormatInt(makerRaw, 10),
			TakerAmount:   strconv.FormatInt(takerRaw, 10),
			Expiration:    "0",
			Nonce:         "0",
			FeeRateBps:    strconv.Itoa(FeeRateBps),
			Side:          side,
			SignatureType: c.signer.SignatureType(),
			Signature:     signature,
		},
		Owner:     c.apiKey,
		OrderType: "FOK",
		PostOnly:  false,
	})
	if err != nil {
		return OrderResult{Status: "ERROR", LimitPrice: limit, Err: err.Error()}
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/order", bytes.NewReader(body))
	if err != nil {
		return OrderResult{Status: "ERROR", LimitPrice: limit, Err: err.Error()}
	}
	c.signL2Request(req, http.MethodPost, "/order", body)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return OrderResult{Status: "ERROR", LimitPrice: limit, Err: err.Error()}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return OrderResult{Status: "REJECTED", LimitPrice: limit,
			Err: fmt.Sprintf("http %d: %s", resp.StatusCode, string(respBody))}
	}

	var parsed orderResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return OrderResult{Status: "ERROR", LimitPrice: limit,
			Err: fmt.Sprintf("parse response: %v, body: %s", err, string(respBody))}
	}

	return OrderResult{
		Success:      parsed.Success,
		OrderID:      parsed.OrderID,
		Status:       strings.ToUpper(parsed.Status),
		LimitPrice:   limit,
		ActualAmount: size * limit,
		ActualSize:   size,
		Err:          parsed.ErrorMsg,
	}
}

// GetBalance reads the collateral balance. The endpoint returns raw USDC
// micro-units for live wallets; values above 1e6 are scaled down.
func (c *Client) GetBalance() (float64, error) {
	if err := c.ensureInitialized(); err != nil {
		return 0, err
	}

	endpoint := "/balance-allowance"
	url := fmt.Sprintf("%s%s?asset_type=COLLATERAL&signature_type=%d",
		c.baseURL, endpoint, c.signer.SignatureType())

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	c.signL2Request(req, http.MethodGet, endpoint, nil)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("balance request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("balance API %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("parse balance: %w", err)
	}
	raw, err := strconv.ParseFloat(result.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid balance value: %q", result.Balance)
	}
	if raw > 1_000_000 {
		raw /= 1e6
	}
	return raw, nil
}

// signL2Request attaches the HMAC auth headers. Message layout must match
// the reference client byte for byte: timestamp + method + path + body.
func (c *Client) signL2Request(req *http.Request, method, path string, body []byte) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	message := timestamp + method + path
	if len(body) > 0 {
		message += string(body)
	}

	h := hmac.New(sha256.New, c.secretKey)
	h.Write([]byte(message))
	signature := base64.URLEncoding.EncodeToString(h.Sum(nil))

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("POLY_ADDRESS", c.signer.SignerAddress().Hex())
	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_SIGNATURE", signature)
}

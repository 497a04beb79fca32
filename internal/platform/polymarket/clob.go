package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polypulse/internal/domain"
)

// usdcDecimals is the base-unit scale of both collateral and outcome tokens.
const usdcDecimals = 6

const zeroAddress = "0x0000000000000000000000000000000000000000"

// ClobConfig configures a ClobClient.
type ClobConfig struct {
	// BaseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
	BaseURL string
	// SignatureType is 0 for EOA, 1 for POLY_PROXY, 2 for POLY_GNOSIS_SAFE.
	SignatureType int
	// Funder is the wallet holding funds; defaults to the signer address.
	Funder  string
	Timeout time.Duration
}

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. Without a signer it can only read books.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *OrderSigner
	sigType    int
	funder     string

	mu    sync.RWMutex
	creds *APICreds
}

// NewClobClient creates a new CLOB REST client. signer and creds may be nil;
// creds can be obtained later with DeriveAPIKey.
func NewClobClient(cfg ClobConfig, signer *OrderSigner, creds *APICreds) *ClobClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	funder := cfg.Funder
	if funder == "" && signer != nil {
		funder = signer.Address().Hex()
	}
	return &ClobClient{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		signer:  signer,
		sigType: cfg.SignatureType,
		funder:  funder,
		creds:   creds,
	}
}

// Book fetches the full order book for a token.
func (c *ClobClient) Book(ctx context.Context, tokenID string) (domain.BookSnapshot, error) {
	path := "/book?token_id=" + url.QueryEscape(tokenID)
	respBody, err := c.do(ctx, http.MethodGet, path, nil, false)
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}

	var book BookResponse
	if err := json.Unmarshal(respBody, &book); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}
	return BookToDomainSnapshot(tokenID, &book), nil
}

// SubmitOrder signs and posts req and returns the fill. It implements
// domain.OrderExecutor. Failures the exchange flags as retryable, rate
// limits and 5xx responses wrap domain.ErrRetryable.
func (c *ClobClient) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Fill, error) {
	if c.signer == nil {
		return domain.Fill{}, fmt.Errorf("polymarket/clob: %w: no signer configured", domain.ErrTradingDisabled)
	}

	payload, err := c.buildOrder(req)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("polymarket/clob: build order: %w", err)
	}
	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return domain.Fill{}, fmt.Errorf("polymarket/clob: sign order: %w", err)
	}

	result, err := c.PostOrder(ctx, payload, sig, req.Type)
	if err != nil {
		return domain.Fill{}, err
	}

	switch result.Status {
	case "live", "delayed", "unmatched":
		// Never leave an unfilled order resting upstream.
		if result.OrderID != "" {
			if cerr := c.CancelOrder(ctx, result.OrderID); cerr != nil {
				return domain.Fill{}, fmt.Errorf("polymarket/clob: order %s %s and cancel failed: %w", result.OrderID, result.Status, cerr)
			}
		}
		return domain.Fill{}, fmt.Errorf("polymarket/clob: order %s not filled (%s)", result.OrderID, result.Status)
	}

	return fillFromResult(req, &result), nil
}

// PostOrder submits a signed order to the CLOB API and returns the result.
func (c *ClobClient) PostOrder(ctx context.Context, order OrderPayload, signature string, orderType domain.OrderType) (APIOrderResult, error) {
	side := "BUY"
	if order.Side == 1 {
		side = "SELL"
	}
	salt, _ := strconv.ParseUint(order.Salt, 10, 64)

	body := map[string]any{
		"order": map[string]any{
			"salt":          salt,
			"maker":         order.Maker,
			"signer":        order.Signer,
			"taker":         order.Taker,
			"tokenId":       order.TokenID,
			"makerAmount":   order.MakerAmount,
			"takerAmount":   order.TakerAmount,
			"expiration":    order.Expiration,
			"nonce":         order.Nonce,
			"feeRateBps":    order.FeeRateBps,
			"side":          side,
			"signatureType": order.SignatureType,
			"signature":     signature,
		},
		"owner":     c.apiKey(),
		"orderType": string(orderType),
	}

	respBody, err := c.do(ctx, http.MethodPost, "/order", body, true)
	if err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var result APIOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return APIOrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}
	if !result.Success {
		if result.ShouldRetry {
			return result, fmt.Errorf("polymarket/clob: order rejected: %w: %s", domain.ErrRetryable, result.ErrorMsg)
		}
		return result, fmt.Errorf("polymarket/clob: order rejected: %s", result.ErrorMsg)
	}
	return result, nil
}

// CancelOrder cancels a single order by its ID.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	respBody, err := c.do(ctx, http.MethodDelete, "/order", map[string]any{"orderID": orderID}, true)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}

	var result struct {
		Canceled    []string          `json:"canceled"`
		NotCanceled map[string]string `json:"not_canceled"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if reason, ok := result.NotCanceled[orderID]; ok {
		return fmt.Errorf("polymarket/clob: cancel failed: %s", reason)
	}
	return nil
}

// DeriveAPIKey performs the L1 auth flow: it signs a ClobAuth message, sends
// it with the POLY_ADDRESS, POLY_SIGNATURE, POLY_TIMESTAMP and POLY_NONCE
// headers, and stores the returned L2 credentials on the client.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) (APICreds, error) {
	if c.signer == nil {
		return APICreds{}, fmt.Errorf("polymarket/clob: derive api key: %w: no signer configured", domain.ErrUnauthorized)
	}
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(timestamp, nonce)
	if err != nil {
		return APICreds{}, fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return APICreds{}, fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", strconv.FormatInt(nonce, 10))

	respBody, err := c.send(req)
	if err != nil {
		return APICreds{}, fmt.Errorf("polymarket/clob: derive api key: %w", err)
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return APICreds{}, fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	creds := APICreds{Key: authResp.APIKey, Secret: authResp.Secret, Passphrase: authResp.Passphrase}
	c.mu.Lock()
	c.creds = &creds
	c.mu.Unlock()
	return creds, nil
}

// HasCreds reports whether L2 credentials are available.
func (c *ClobClient) HasCreds() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds != nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// buildOrder converts a limit order into exchange amounts. A BUY gives
// collateral for shares; a SELL gives shares for collateral.
func (c *ClobClient) buildOrder(req domain.OrderRequest) (OrderPayload, error) {
	if !req.Side.Valid() {
		return OrderPayload{}, fmt.Errorf("invalid side %q", req.Side)
	}
	if _, ok := new(big.Int).SetString(req.MarketID, 10); !ok {
		return OrderPayload{}, fmt.Errorf("market %q is not a CLOB token id", req.MarketID)
	}

	shares := req.Size.Shift(usdcDecimals).Truncate(0)
	collateral := req.Size.Mul(req.LimitPrice).Shift(usdcDecimals).Truncate(0)

	id := uuid.New()
	payload := OrderPayload{
		Salt:          strconv.FormatUint(new(big.Int).SetBytes(id[:6]).Uint64(), 10),
		Maker:         c.funder,
		Signer:        c.signer.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       req.MarketID,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: c.sigType,
	}
	if req.Side == domain.OrderSideBuy {
		payload.Side = 0
		payload.MakerAmount = collateral.String()
		payload.TakerAmount = shares.String()
	} else {
		payload.Side = 1
		payload.MakerAmount = shares.String()
		payload.TakerAmount = collateral.String()
	}
	return payload, nil
}

func (c *ClobClient) apiKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.creds == nil {
		return ""
	}
	return c.creds.Key
}

// do builds, optionally signs (L2 HMAC), sends and reads a request.
func (c *ClobClient) do(ctx context.Context, method, path string, body any, auth bool) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if auth {
		c.mu.RLock()
		creds := c.creds
		c.mu.RUnlock()
		if creds == nil || c.signer == nil {
			return nil, fmt.Errorf("%w: no API credentials", domain.ErrUnauthorized)
		}
		for k, v := range creds.L2Headers(c.signer.Address().Hex(), method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	return c.send(req)
}

func (c *ClobClient) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w: %s", domain.ErrRateLimited, domain.ErrRetryable, bodyStr)
	case statusCode >= 500:
		return fmt.Errorf("HTTP %d: %w: %s", statusCode, domain.ErrRetryable, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

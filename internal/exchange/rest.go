package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RESTAdapter talks to a binance-futures style REST API. Per-call deadlines
// come from the caller's context; the embedded client timeout is only a
// safety net.
type RESTAdapter struct {
	baseURL    string
	apiKey     string
	secretKey  string
	httpClient *http.Client
}

// NewRESTAdapter creates a REST exchange adapter.
func NewRESTAdapter(baseURL string, creds Credentials) *RESTAdapter {
	return &RESTAdapter{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    creds.APIKey,
		secretKey: creds.SecretKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SubmitOrder places a new order.
func (c *RESTAdapter) SubmitOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	params.Set("newClientOrderId", req.ClientOrderID)
	if req.Type == TypeLimit {
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID int64  `json:"orderId"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}
	return &OrderAck{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          resp.Status,
	}, nil
}

// CancelOrder cancels an open order.
func (c *RESTAdapter) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)

	_, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// QueryOrder fetches the current state of an order.
func (c *RESTAdapter) QueryOrder(ctx context.Context, symbol, exchangeOrderID string) (*OrderStatus, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)

	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		OrderID     int64  `json:"orderId"`
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse order status: %w", err)
	}

	filled, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	return &OrderStatus{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          resp.Status,
		FilledQty:       filled,
		AvgFillPrice:    avg,
	}, nil
}

// FetchPositions returns all non-flat positions.
func (c *RESTAdapter) FetchPositions(ctx context.Context) ([]Position, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{})
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		LiquidationPrice string `json:"liquidationPrice"`
		IsolatedMargin   string `json:"isolatedMargin"`
		IsolatedWallet   string `json:"isolatedWallet"`
		MaintMargin      string `json:"maintMargin"`
		Leverage         string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		side := SideBuy
		if amt < 0 {
			side = SideSell
			amt = -amt
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		liq, _ := strconv.ParseFloat(p.LiquidationPrice, 64)
		margin, _ := strconv.ParseFloat(p.IsolatedMargin, 64)
		equity, _ := strconv.ParseFloat(p.IsolatedWallet, 64)
		maint, _ := strconv.ParseFloat(p.MaintMargin, 64)
		lev, _ := strconv.Atoi(p.Leverage)

		positions = append(positions, Position{
			Symbol:            p.Symbol,
			Side:              side,
			Quantity:          amt,
			EntryPrice:        entry,
			MarkPrice:         mark,
			LiquidationPrice:  liq,
			Margin:            margin,
			MaintenanceMargin: maint,
			Equity:            equity,
			Leverage:          lev,
		})
	}
	return positions, nil
}

// signedRequest sends an authenticated request and returns the body.
func (c *RESTAdapter) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("signature", c.sign(params))

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = params.Encode()
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrOrderNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// sign creates the request signature over the unsigned query string.
func (c *RESTAdapter) sign(params url.Values) string {
	query := ""
	for k, vs := range params {
		if k == "signature" {
			continue
		}
		for _, v := range vs {
			if query != "" {
				query += "&"
			}
			query += k + "=" + v
		}
	}
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

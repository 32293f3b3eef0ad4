package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/driftpoint/regimebot/internal/config"
	"github.com/driftpoint/regimebot/pkg/types"
)

const recvWindow = "5000"

// RestClient talks to a Binance-compatible spot REST API. Requests
// pass a token-bucket rate limiter, retry transient failures with
// exponential backoff and trip a circuit breaker on sustained outage.
type RestClient struct {
	logger    *zap.Logger
	client    *resty.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	apiKey    string
	apiSecret string

	maxRetries   uint64
	retryInitial time.Duration
	now          func() time.Time
}

var _ Client = (*RestClient)(nil)

// NewRestClient builds a REST client from exchange configuration.
func NewRestClient(logger *zap.Logger, cfg config.ExchangeConfig) *RestClient {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second)

	settings := gobreaker.Settings{Name: "exchange-rest"}
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	settings.Timeout = 30 * time.Second

	return &RestClient{
		logger:       logger,
		client:       client,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimitBurst),
		breaker:      gobreaker.NewCircuitBreaker(settings),
		apiKey:       cfg.APIKey,
		apiSecret:    cfg.APISecret,
		maxRetries:   3,
		retryInitial: 500 * time.Millisecond,
		now:          time.Now,
	}
}

// sign creates a HMAC-SHA256 signature over the query string.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// apiError is a non-retryable venue rejection (4xx).
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

// do executes one request through the limiter, the retry policy and
// the circuit breaker. Client errors (4xx) are permanent; 429/418 and
// 5xx are retried.
func (c *RestClient) do(ctx context.Context, method, path string, req *resty.Request) (*resty.Response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		var resp *resty.Response
		operation := func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(fmt.Errorf("rate limiter wait: %w", err))
			}
			var execErr error
			resp, execErr = req.Execute(method, path)
			if execErr != nil {
				return execErr
			}
			if resp.IsError() {
				status := resp.StatusCode()
				if status == http.StatusTooManyRequests || status == 418 || status >= 500 {
					return fmt.Errorf("status %s: %s", resp.Status(), resp.String())
				}
				return backoff.Permanent(&apiError{Status: status, Body: resp.String()})
			}
			return nil
		}

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = c.retryInitial
		policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.maxRetries), ctx)
		if err := backoff.RetryNotify(operation, policy, func(err error, next time.Duration) {
			c.logger.Warn("Request failed, retrying",
				zap.String("path", path),
				zap.Duration("retryIn", next),
				zap.Error(err),
			)
		}); err != nil {
			return nil, err
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*resty.Response), nil
}

// signedRequest prepares a request with a timestamp, signature and
// API key header.
func (c *RestClient) signedRequest(params url.Values) (*resty.Request, string) {
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)

	query := params.Encode()
	signed := query + "&signature=" + c.sign(query)

	req := c.client.R().SetHeader("X-MBX-APIKEY", c.apiKey)
	return req, signed
}

type tickerResponse struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	BidPrice  string `json:"bidPrice"`
	AskPrice  string `json:"askPrice"`
	Volume    string `json:"volume"`
	CloseTime int64  `json:"closeTime"`
}

// FetchTicker fetches the 24h ticker for one symbol.
func (c *RestClient) FetchTicker(ctx context.Context, symbol string) (*types.Ticker, error) {
	var out tickerResponse
	req := c.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out)

	if _, err := c.do(ctx, http.MethodGet, "/api/v3/ticker/24hr", req); err != nil {
		return nil, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}

	last, err := decimal.NewFromString(out.LastPrice)
	if err != nil {
		return nil, fmt.Errorf("parse ticker price %q: %w", out.LastPrice, err)
	}
	bid, _ := decimal.NewFromString(out.BidPrice)
	ask, _ := decimal.NewFromString(out.AskPrice)
	volume, _ := decimal.NewFromString(out.Volume)

	return &types.Ticker{
		Symbol:    out.Symbol,
		Last:      last,
		Bid:       bid,
		Ask:       ask,
		Volume:    volume,
		Timestamp: time.UnixMilli(out.CloseTime),
	}, nil
}

// FetchOHLCV fetches up to limit candles, oldest first.
func (c *RestClient) FetchOHLCV(ctx context.Context, symbol string, timeframe types.Timeframe, limit int) (types.Series, error) {
	req := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": string(timeframe),
			"limit":    strconv.Itoa(limit),
		})

	resp, err := c.do(ctx, http.MethodGet, "/api/v3/klines", req)
	if err != nil {
		return nil, fmt.Errorf("fetch ohlcv %s %s: %w", symbol, timeframe, err)
	}

	// Kline rows are heterogeneous arrays:
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var rows [][]interface{}
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("parse klines: %w", err)
	}

	series := make(types.Series, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		candle, err := parseKline(row)
		if err != nil {
			return nil, fmt.Errorf("parse kline row: %w", err)
		}
		series = append(series, candle)
	}
	return series, nil
}

func parseKline(row []interface{}) (types.OHLCV, error) {
	openTime, ok := row[0].(float64)
	if !ok {
		return types.OHLCV{}, fmt.Errorf("unexpected open time %v", row[0])
	}
	fields := make([]decimal.Decimal, 5)
	for i := 1; i <= 5; i++ {
		s, ok := row[i].(string)
		if !ok {
			return types.OHLCV{}, fmt.Errorf("unexpected kline field %v", row[i])
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return types.OHLCV{}, err
		}
		fields[i-1] = d
	}
	return types.OHLCV{
		Timestamp: time.UnixMilli(int64(openTime)),
		Open:      fields[0],
		High:      fields[1],
		Low:       fields[2],
		Close:     fields[3],
		Volume:    fields[4],
	}, nil
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// FetchBalance fetches all non-zero asset balances.
func (c *RestClient) FetchBalance(ctx context.Context) ([]types.Balance, error) {
	var out accountResponse
	req, query := c.signedRequest(url.Values{})
	req.SetContext(ctx).SetResult(&out)

	if _, err := c.do(ctx, http.MethodGet, "/api/v3/account?"+query, req); err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}

	balances := make([]types.Balance, 0, len(out.Balances))
	for _, b := range out.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances = append(balances, types.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

type orderResponse struct {
	Symbol           string `json:"symbol"`
	OrderID          int64  `json:"orderId"`
	ClientOrderID    string `json:"clientOrderId"`
	Price            string `json:"price"`
	OrigQty          string `json:"origQty"`
	ExecutedQty      string `json:"executedQty"`
	CummulativeQuote string `json:"cummulativeQuoteQty"`
	Status           string `json:"status"`
	Type             string `json:"type"`
	Side             string `json:"side"`
	Time             int64  `json:"time"`
	UpdateTime       int64  `json:"updateTime"`
	TransactTime     int64  `json:"transactTime"`
}

// FetchOpenOrders fetches all open orders for a symbol.
func (c *RestClient) FetchOpenOrders(ctx context.Context, symbol string) ([]*types.Order, error) {
	var out []orderResponse
	params := url.Values{}
	params.Set("symbol", symbol)
	req, query := c.signedRequest(params)
	req.SetContext(ctx).SetResult(&out)

	if _, err := c.do(ctx, http.MethodGet, "/api/v3/openOrders?"+query, req); err != nil {
		return nil, fmt.Errorf("fetch open orders %s: %w", symbol, err)
	}

	orders := make([]*types.Order, len(out))
	for i := range out {
		orders[i] = convertOrder(&out[i])
	}
	return orders, nil
}

// FetchOrder fetches one order by exchange id.
func (c *RestClient) FetchOrder(ctx context.Context, id, symbol string) (*types.Order, error) {
	var out orderResponse
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", id)
	req, query := c.signedRequest(params)
	req.SetContext(ctx).SetResult(&out)

	if _, err := c.do(ctx, http.MethodGet, "/api/v3/order?"+query, req); err != nil {
		// Binance reports an unknown order as code -2013.
		var venueErr *apiError
		if errors.As(err, &venueErr) && strings.Contains(venueErr.Body, "-2013") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetch order %s: %w", id, err)
	}
	return convertOrder(&out), nil
}

// CreateOrder places a market or limit order. Limit orders require a
// price and are placed GTC.
func (c *RestClient) CreateOrder(ctx context.Context, symbol string, typ types.OrderType, side types.OrderSide, amount decimal.Decimal, price *decimal.Decimal) (*types.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", wireSide(side))
	params.Set("type", wireType(typ))
	params.Set("quantity", amount.String())
	if typ == types.OrderTypeLimit {
		if price == nil {
			return nil, fmt.Errorf("create order: limit order requires a price")
		}
		params.Set("price", price.String())
		params.Set("timeInForce", "GTC")
	}

	var out orderResponse
	req, body := c.signedRequest(params)
	req.SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(body).
		SetResult(&out)

	if _, err := c.do(ctx, http.MethodPost, "/api/v3/order", req); err != nil {
		return nil, fmt.Errorf("create order %s %s %s: %w", symbol, side, typ, err)
	}

	order := convertOrder(&out)
	c.logger.Info("Order placed",
		zap.String("id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("quantity", order.Quantity.String()),
	)
	return order, nil
}

// CancelAllOrders cancels every open order on the symbol.
func (c *RestClient) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	req, query := c.signedRequest(params)
	req.SetContext(ctx)

	if _, err := c.do(ctx, http.MethodDelete, "/api/v3/openOrders?"+query, req); err != nil {
		return fmt.Errorf("cancel all orders %s: %w", symbol, err)
	}
	c.logger.Info("Open orders cancelled", zap.String("symbol", symbol))
	return nil
}

func convertOrder(in *orderResponse) *types.Order {
	price, _ := decimal.NewFromString(in.Price)
	qty, _ := decimal.NewFromString(in.OrigQty)
	filled, _ := decimal.NewFromString(in.ExecutedQty)

	avgFill := decimal.Zero
	if quote, err := decimal.NewFromString(in.CummulativeQuote); err == nil && !filled.IsZero() {
		avgFill = quote.Div(filled)
	}

	created := in.Time
	if created == 0 {
		created = in.TransactTime
	}
	updated := in.UpdateTime
	if updated == 0 {
		updated = created
	}

	return &types.Order{
		ID:            strconv.FormatInt(in.OrderID, 10),
		ClientOrderID: in.ClientOrderID,
		Symbol:        in.Symbol,
		Side:          localSide(in.Side),
		Type:          localType(in.Type),
		Quantity:      qty,
		Price:         price,
		Status:        localStatus(in.Status),
		FilledQty:     filled,
		AvgFillPrice:  avgFill,
		CreatedAt:     time.UnixMilli(created),
		UpdatedAt:     time.UnixMilli(updated),
	}
}

func wireSide(side types.OrderSide) string {
	if side == types.OrderSideSell {
		return "SELL"
	}
	return "BUY"
}

func localSide(side string) types.OrderSide {
	if side == "SELL" {
		return types.OrderSideSell
	}
	return types.OrderSideBuy
}

func wireType(typ types.OrderType) string {
	if typ == types.OrderTypeLimit {
		return "LIMIT"
	}
	return "MARKET"
}

func localType(typ string) types.OrderType {
	if typ == "LIMIT" {
		return types.OrderTypeLimit
	}
	return types.OrderTypeMarket
}

func localStatus(status string) types.OrderStatus {
	switch status {
	case "NEW":
		return types.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return types.OrderStatusPartiallyFilled
	case "FILLED":
		return types.OrderStatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return types.OrderStatusCancelled
	case "REJECTED":
		return types.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return types.OrderStatusExpired
	default:
		return types.OrderStatusPending
	}
}

// Package binance implements the broker port for Binance USD-M futures.
//
// The REST client handles order management and account reads:
//   - Submit:         POST   /fapi/v1/order
//   - Cancel:         DELETE /fapi/v1/order
//   - GetOrderStatus: GET    /fapi/v1/order
//   - GetOpenOrders:  GET    /fapi/v1/openOrders
//   - GetPositions:   GET    /fapi/v2/positionRisk
//   - Balance:        GET    /fapi/v2/balance
//   - Exchange info:  GET    /fapi/v1/exchangeInfo (cached)
//
// Every request is rate-limited via per-category token buckets and
// signed with HMAC-SHA256. Transient failures (5xx, timestamp skew,
// rate limiting, network) are retried with backoff; permanent failures
// surface as typed broker errors. Quantities and prices are rounded to
// the symbol's step/tick and validated against min/max/notional before
// anything leaves the process.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"futures-trader/internal/broker"
	"futures-trader/internal/config"
	"futures-trader/internal/domain"
)

const exchangeInfoTTL = time.Hour

// Client is the Binance USD-M futures driver. It implements
// broker.Broker.
type Client struct {
	http   *resty.Client
	rl     *rateLimiter
	paper  bool // mutating calls short-circuit with synthetic responses
	logger *slog.Logger

	filtersMu sync.RWMutex
	filters   map[string]SymbolFilters
	fetchedAt time.Time

	leverageMu sync.Mutex
	leverage   map[string]int // leverage already set per symbol

	userStream *stream
	markStream *stream
	wsCfg      config.WSConfig
	wsBaseURL  string

	paperSeq atomic.Int64
}

// New creates a driver from broker configuration.
func New(cfg config.BrokerConfig, ws config.WSConfig, paper bool, logger *slog.Logger) *Client {
	sign := newSigner(cfg.APIKey, cfg.APISecret, cfg.RecvWindow)

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true // network-level failure
			}
			if r.StatusCode() >= 500 {
				return true
			}
			return retryableCode(parseAPIError(r).Code)
		}).
		SetHeader("X-MBX-APIKEY", cfg.APIKey)

	// Signing runs per attempt, so a retry after timestamp skew gets a
	// fresh timestamp.
	httpClient.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		return sign.signRequest(r)
	})

	return &Client{
		http:      httpClient,
		rl:        newRateLimiter(),
		paper:     paper,
		logger:    logger.With("component", "binance"),
		filters:   make(map[string]SymbolFilters),
		leverage:  make(map[string]int),
		wsCfg:     ws,
		wsBaseURL: cfg.WSBaseURL,
	}
}

// Connect warms the exchange-info cache and verifies connectivity.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.refreshExchangeInfo(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.logger.Info("connected", "symbols", len(c.filters), "paper", c.paper)
	return nil
}

// Disconnect closes any open streams.
func (c *Client) Disconnect() error {
	if c.userStream != nil {
		c.userStream.Close()
		c.userStream = nil
	}
	if c.markStream != nil {
		c.markStream.Close()
		c.markStream = nil
	}
	c.logger.Info("disconnected")
	return nil
}

// Submit places an order and returns the broker-assigned id. Quantity
// and price are rounded to symbol precision first; leverage is set on
// the symbol before its first order.
func (c *Client) Submit(ctx context.Context, req domain.OrderRequest, clientOrderID string) (string, error) {
	f, err := c.symbolFilters(ctx, req.Symbol)
	if err != nil {
		return "", err
	}

	qty := f.RoundQty(req.Quantity)
	price := req.Price
	if !price.IsZero() {
		// Buys round down, sells round up: never past the aggressive side.
		price = f.RoundPrice(price, req.Side == domain.Sell)
	}
	if err := f.Validate(qty, price); err != nil {
		return "", err
	}

	if req.Leverage > 0 {
		if err := c.ensureLeverage(ctx, req.Symbol, req.Leverage); err != nil {
			return "", err
		}
	}

	if c.paper {
		id := fmt.Sprintf("paper-%d", c.paperSeq.Add(1))
		c.logger.Info("PAPER: would submit order",
			"symbol", req.Symbol, "side", req.Side, "qty", qty, "price", price)
		return id, nil
	}

	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", wireOrderType(req.Type))
	params.Set("quantity", qty.String())
	params.Set("newClientOrderId", clientOrderID)
	if req.Type == domain.Limit || req.Type == domain.StopLimit {
		params.Set("price", price.String())
		params.Set("timeInForce", string(req.TimeInForce))
	}
	if !req.StopPrice.IsZero() {
		params.Set("stopPrice", req.StopPrice.String())
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Post("/fapi/v1/order?" + params.Encode())
	if err != nil {
		return "", &broker.Error{Kind: broker.KindNetwork, Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode() != http.StatusOK {
		return "", mapAPIError(resp)
	}

	c.logger.Info("order submitted",
		"symbol", req.Symbol, "side", req.Side, "qty", qty.String(),
		"price", price.String(), "broker_id", result.OrderID)
	return strconv.FormatInt(result.OrderID, 10), nil
}

// Cancel requests cancellation. Returns false without error when the
// order is already gone on the exchange.
func (c *Client) Cancel(ctx context.Context, symbol, brokerID string) (bool, error) {
	if c.paper {
		c.logger.Info("PAPER: would cancel order", "symbol", symbol, "broker_id", brokerID)
		return true, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return false, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", brokerID)

	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/fapi/v1/order?" + params.Encode())
	if err != nil {
		return false, &broker.Error{Kind: broker.KindNetwork, Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode() != http.StatusOK {
		berr := mapAPIError(resp)
		if broker.IsNotFound(berr) {
			return false, nil
		}
		return false, berr
	}
	return true, nil
}

// Modify is implemented as cancel + resubmit; the returned id replaces
// the original broker id.
func (c *Client) Modify(ctx context.Context, symbol, brokerID string, newQty, newPrice *decimal.Decimal) (string, error) {
	state, err := c.GetOrderStatus(ctx, symbol, brokerID)
	if err != nil {
		return "", err
	}
	if state.Status.Terminal() || state.Status == domain.OrderCancelled {
		return "", &broker.Error{Kind: broker.KindOrderNotFound,
			Message: fmt.Sprintf("order %s is %s, cannot modify", brokerID, state.Status)}
	}

	if _, err := c.Cancel(ctx, symbol, brokerID); err != nil {
		return "", fmt.Errorf("modify cancel: %w", err)
	}

	req := domain.OrderRequest{
		Symbol:      symbol,
		Type:        domain.Limit,
		TimeInForce: domain.GTC,
	}
	// The resubmitted order inherits what the caller did not override.
	if newQty != nil {
		req.Quantity = *newQty
	}
	if newPrice != nil {
		req.Price = *newPrice
	}
	return c.Submit(ctx, req, state.ClientOrderID+"-m")
}

// GetOrderStatus fetches one order's state, translated to the core
// vocabulary.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, brokerID string) (*broker.OrderState, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", brokerID)

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/fapi/v1/order?" + params.Encode())
	if err != nil {
		return nil, &broker.Error{Kind: broker.KindNetwork, Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, mapAPIError(resp)
	}

	state := translateOrder(result)
	return &state, nil
}

// GetOpenOrders fetches open-status orders; an empty symbol means all.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]broker.OrderState, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	var result []orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/fapi/v1/openOrders?" + params.Encode())
	if err != nil {
		return nil, &broker.Error{Kind: broker.KindNetwork, Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, mapAPIError(resp)
	}

	out := make([]broker.OrderState, 0, len(result))
	for _, o := range result {
		out = append(out, translateOrder(o))
	}
	return out, nil
}

// GetPositions returns all non-flat positions.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	if c.paper {
		return nil, nil
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var result []positionRisk
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/fapi/v2/positionRisk")
	if err != nil {
		return nil, &broker.Error{Kind: broker.KindNetwork, Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, mapAPIError(resp)
	}

	out := make([]domain.Position, 0, len(result))
	for _, p := range result {
		pos := translatePosition(p)
		if pos.Open {
			out = append(out, pos)
		}
	}
	return out, nil
}

// GetPosition returns the position for one symbol, nil when flat.
func (c *Client) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// ClosePosition flattens a symbol with a reduce-only market order.
func (c *Client) ClosePosition(ctx context.Context, symbol string) error {
	pos, err := c.GetPosition(ctx, symbol)
	if err != nil {
		return err
	}
	if pos == nil {
		return nil
	}

	req := domain.OrderRequest{
		Symbol:     symbol,
		Side:       pos.CloseSide(),
		Type:       domain.Market,
		Quantity:   pos.Quantity,
		ReduceOnly: true,
	}
	_, err = c.Submit(ctx, req, fmt.Sprintf("close-%s-%d", symbol, time.Now().UnixMilli()))
	return err
}

// GetMarketData returns a snapshot of book top and mark price.
func (c *Client) GetMarketData(ctx context.Context, symbol string) (*broker.MarketData, error) {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return nil, err
	}

	var tick bookTicker
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&tick).
		Get("/fapi/v1/ticker/bookTicker")
	if err != nil {
		return nil, &broker.Error{Kind: broker.KindNetwork, Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, mapAPIError(resp)
	}

	var idx premiumIndex
	resp, err = c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&idx).
		Get("/fapi/v1/premiumIndex")
	if err != nil {
		return nil, &broker.Error{Kind: broker.KindNetwork, Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, mapAPIError(resp)
	}

	bid := mustDec(tick.BidPrice)
	ask := mustDec(tick.AskPrice)
	mark := mustDec(idx.MarkPrice)
	last := bid.Add(ask).Div(decimal.NewFromInt(2))

	return &broker.MarketData{
		Symbol:    symbol,
		LastPrice: last,
		MarkPrice: mark,
		BidPrice:  bid,
		AskPrice:  ask,
		Timestamp: time.Now().UTC(),
	}, nil
}

// GetAccountBalance returns the USDT futures wallet state.
func (c *Client) GetAccountBalance(ctx context.Context) (*broker.AccountBalance, error) {
	if c.paper {
		return &broker.AccountBalance{Asset: "USDT"}, nil
	}
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var result []balanceEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/fapi/v2/balance")
	if err != nil {
		return nil, &broker.Error{Kind: broker.KindNetwork, Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, mapAPIError(resp)
	}

	for _, b := range result {
		if b.Asset == "USDT" {
			return &broker.AccountBalance{
				Asset:            b.Asset,
				Balance:          mustDec(b.Balance),
				AvailableBalance: mustDec(b.AvailableBalance),
				UnrealizedPnL:    mustDec(b.CrossUnPnl),
			}, nil
		}
	}
	return &broker.AccountBalance{Asset: "USDT"}, nil
}

// ensureLeverage sets the symbol leverage once per process lifetime.
func (c *Client) ensureLeverage(ctx context.Context, symbol string, leverage int) error {
	c.leverageMu.Lock()
	current, ok := c.leverage[symbol]
	c.leverageMu.Unlock()
	if ok && current == leverage {
		return nil
	}
	if c.paper {
		c.leverageMu.Lock()
		c.leverage[symbol] = leverage
		c.leverageMu.Unlock()
		return nil
	}

	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	resp, err := c.http.R().
		SetContext(ctx).
		Post("/fapi/v1/leverage?" + params.Encode())
	if err != nil {
		return &broker.Error{Kind: broker.KindNetwork, Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode() != http.StatusOK {
		return mapAPIError(resp)
	}

	c.leverageMu.Lock()
	c.leverage[symbol] = leverage
	c.leverageMu.Unlock()
	return nil
}

// symbolFilters returns cached exchange-info filters, refreshing the
// cache when stale.
func (c *Client) symbolFilters(ctx context.Context, symbol string) (SymbolFilters, error) {
	c.filtersMu.RLock()
	f, ok := c.filters[symbol]
	fresh := time.Since(c.fetchedAt) < exchangeInfoTTL
	c.filtersMu.RUnlock()

	if ok && fresh {
		return f, nil
	}
	if err := c.refreshExchangeInfo(ctx); err != nil {
		if ok {
			return f, nil // stale beats nothing
		}
		return SymbolFilters{}, err
	}

	c.filtersMu.RLock()
	defer c.filtersMu.RUnlock()
	f, ok = c.filters[symbol]
	if !ok {
		return SymbolFilters{}, &broker.Error{
			Kind:    broker.KindSymbolNotTradable,
			Message: fmt.Sprintf("unknown symbol %s", symbol),
		}
	}
	return f, nil
}

func (c *Client) refreshExchangeInfo(ctx context.Context) error {
	if err := c.rl.Market.Wait(ctx); err != nil {
		return err
	}

	var result exchangeInfoResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/fapi/v1/exchangeInfo")
	if err != nil {
		return &broker.Error{Kind: broker.KindNetwork, Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode() != http.StatusOK {
		return mapAPIError(resp)
	}

	c.filtersMu.Lock()
	defer c.filtersMu.Unlock()
	for _, s := range result.Symbols {
		c.filters[s.Symbol] = parseFilters(s)
	}
	c.fetchedAt = time.Now()
	return nil
}

// translateOrder maps broker status strings to the core vocabulary.
func translateOrder(o orderResponse) broker.OrderState {
	return broker.OrderState{
		BrokerID:      strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Status:        translateStatus(o.Status),
		ExecutedQty:   mustDec(o.ExecutedQty),
		AvgPrice:      mustDec(o.AvgPrice),
		UpdatedAt:     time.UnixMilli(o.UpdateTime).UTC(),
	}
}

func translateStatus(s string) domain.OrderStatus {
	switch s {
	case "NEW":
		return domain.OrderPending
	case "PARTIALLY_FILLED":
		return domain.OrderPartiallyFilled
	case "FILLED":
		return domain.OrderFilled
	case "CANCELED", "EXPIRED":
		return domain.OrderCancelled
	case "REJECTED":
		return domain.OrderRejected
	default:
		return domain.OrderPending
	}
}

func translatePosition(p positionRisk) domain.Position {
	amt := mustDec(p.PositionAmt)
	side := domain.Long
	qty := amt
	if amt.IsNegative() {
		side = domain.Short
		qty = amt.Neg()
	}
	leverage, _ := strconv.Atoi(p.Leverage)
	return domain.Position{
		Symbol:           p.Symbol,
		Side:             side,
		Quantity:         qty,
		EntryPrice:       mustDec(p.EntryPrice),
		MarkPrice:        mustDec(p.MarkPrice),
		UnrealizedPnL:    mustDec(p.UnRealizedProfit),
		Leverage:         leverage,
		LiquidationPrice: mustDec(p.LiquidationPrice),
		MarginUsed:       mustDec(p.IsolatedMargin),
		Open:             !amt.IsZero(),
		UpdatedAt:        time.UnixMilli(p.UpdateTime).UTC(),
	}
}

// wireOrderType maps core order types to the exchange vocabulary.
func wireOrderType(t domain.OrderType) string {
	switch t {
	case domain.Market:
		return "MARKET"
	case domain.Limit:
		return "LIMIT"
	case domain.Stop:
		return "STOP_MARKET"
	case domain.StopLimit:
		return "STOP"
	case domain.TakeProfit:
		return "TAKE_PROFIT"
	case domain.TakeProfitMarket:
		return "TAKE_PROFIT_MARKET"
	default:
		return string(t)
	}
}

// parseAPIError extracts the Binance error envelope from a response.
func parseAPIError(resp *resty.Response) apiError {
	var apiErr apiError
	_ = json.Unmarshal(resp.Body(), &apiErr)
	return apiErr
}

// mapAPIError converts an HTTP failure into a typed broker error.
func mapAPIError(resp *resty.Response) error {
	apiErr := parseAPIError(resp)
	msg := apiErr.Msg
	if msg == "" {
		msg = fmt.Sprintf("status %d: %s", resp.StatusCode(), resp.String())
	}

	kind := broker.KindGeneric
	retryable := resp.StatusCode() >= 500
	switch apiErr.Code {
	case -2019: // margin is insufficient
		kind = broker.KindInsufficientBalance
	case -2011, -2013: // unknown order
		kind = broker.KindOrderNotFound
	case -1121, -4141: // invalid/closed symbol
		kind = broker.KindSymbolNotTradable
	case -1021: // timestamp outside recvWindow
		kind = broker.KindTimestampSkew
		retryable = true
	case -1003: // too many requests
		kind = broker.KindRateLimited
		retryable = true
	}
	return &broker.Error{Kind: kind, Code: apiErr.Code, Message: msg, Retryable: retryable}
}

// retryableCode reports whether a Binance error code is transient.
func retryableCode(code int) bool {
	return code == -1021 || code == -1003
}

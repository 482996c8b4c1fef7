// stream.go implements the WebSocket feeds for the Binance futures
// driver.
//
// Two independent feeds run concurrently:
//
//   - User-data feed (authenticated via listenKey): ORDER_TRADE_UPDATE
//     events drive the order state machine without polling. The listen
//     key expires after 60 minutes of silence, so a keepalive PUT runs
//     on the heartbeat interval.
//
//   - Mark-price feed (public): <symbol>@markPrice@1s events keep the
//     mark cache fresh for risk checks and unrealized PnL.
//
// Both feeds auto-reconnect with exponential backoff up to the
// configured cap. A read deadline detects silent server failures.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"futures-trader/internal/broker"
	"futures-trader/internal/config"
)

const (
	wsPingInterval = 50 * time.Second
	wsReadTimeout  = 90 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// stream maintains one WebSocket connection with reconnect.
type stream struct {
	name    string
	cfg     config.WSConfig
	logger  *slog.Logger
	handler func([]byte)

	// dial returns the URL to connect to. Re-evaluated on every
	// reconnect so the user stream can mint a fresh listen key.
	dial func(ctx context.Context) (string, error)

	connMu sync.Mutex
	conn   *websocket.Conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newStream(name string, cfg config.WSConfig, dial func(ctx context.Context) (string, error), handler func([]byte), logger *slog.Logger) *stream {
	return &stream{
		name:    name,
		cfg:     cfg,
		dial:    dial,
		handler: handler,
		logger:  logger.With("stream", name),
	}
}

// Start runs the read loop in the background until Close or parent
// context cancellation.
func (s *stream) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Close stops the stream and waits for the read loop to exit.
func (s *stream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

// run connects and reads with exponential backoff between attempts.
func (s *stream) run(ctx context.Context) {
	backoff := s.cfg.ReconnectDelay
	if backoff <= 0 {
		backoff = time.Second
	}

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		s.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if max := s.cfg.MaxReconnectDelay; max > 0 && backoff > max {
			backoff = max
		}
	}
}

func (s *stream) connectAndRead(ctx context.Context) error {
	wsURL, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer conn.Close()

	s.logger.Info("websocket connected")

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go s.pingLoop(pingCtx, conn)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		s.handler(msg)
	}
}

func (s *stream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			s.connMu.Unlock()
			if err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// SubscribeOrderUpdates starts the authenticated user-data stream and
// dispatches ORDER_TRADE_UPDATE events to cb. No-op in paper mode: a
// synthetic order never produces exchange events.
func (c *Client) SubscribeOrderUpdates(ctx context.Context, cb broker.OrderUpdateCallback) error {
	if c.paper {
		c.logger.Info("PAPER: user-data stream disabled")
		return nil
	}
	if c.userStream != nil {
		return fmt.Errorf("user-data stream already running")
	}

	dial := func(ctx context.Context) (string, error) {
		key, err := c.createListenKey(ctx)
		if err != nil {
			return "", err
		}
		return c.wsBaseURL + "/ws/" + key, nil
	}

	handler := func(msg []byte) {
		var env wsEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			return
		}
		if env.EventType != "ORDER_TRADE_UPDATE" {
			return
		}
		var ev wsOrderTradeUpdate
		if err := json.Unmarshal(msg, &ev); err != nil {
			c.logger.Warn("bad order update payload", "error", err)
			return
		}
		cb(broker.OrderUpdate{
			BrokerID:      strconv.FormatInt(ev.Order.OrderID, 10),
			ClientOrderID: ev.Order.ClientOrderID,
			Symbol:        ev.Order.Symbol,
			Status:        translateStatus(ev.Order.Status),
			LastFillQty:   mustDec(ev.Order.LastFillQty),
			LastFillPrice: mustDec(ev.Order.LastFillPrice),
			ExecutedQty:   mustDec(ev.Order.CumFillQty),
			Timestamp:     time.UnixMilli(ev.EventTime).UTC(),
		})
	}

	c.userStream = newStream("user_data", c.wsCfg, dial, handler, c.logger)
	c.userStream.Start(ctx)

	c.startKeepalive(ctx)
	return nil
}

// SubscribeMarketData starts the public mark-price stream for the given
// symbols and dispatches updates to cb.
func (c *Client) SubscribeMarketData(ctx context.Context, symbols []string, cb broker.MarketDataCallback) error {
	if len(symbols) == 0 {
		return nil
	}
	if c.markStream != nil {
		return fmt.Errorf("market-data stream already running")
	}

	names := make([]string, 0, len(symbols))
	for _, s := range symbols {
		names = append(names, strings.ToLower(s)+"@markPrice@1s")
	}
	wsURL := c.wsBaseURL + "/stream?streams=" + strings.Join(names, "/")

	dial := func(context.Context) (string, error) { return wsURL, nil }

	handler := func(msg []byte) {
		// Combined streams wrap the payload in {"stream":..., "data":...}.
		var wrapper struct {
			Data json.RawMessage `json:"data"`
		}
		payload := msg
		if err := json.Unmarshal(msg, &wrapper); err == nil && len(wrapper.Data) > 0 {
			payload = wrapper.Data
		}

		var ev wsMarkPrice
		if err := json.Unmarshal(payload, &ev); err != nil || ev.EventType != "markPriceUpdate" {
			return
		}
		mark := mustDec(ev.MarkPrice)
		cb(broker.MarketData{
			Symbol:    ev.Symbol,
			LastPrice: mark,
			MarkPrice: mark,
			Timestamp: time.UnixMilli(ev.EventTime).UTC(),
		})
	}

	c.markStream = newStream("mark_price", c.wsCfg, dial, handler, c.logger)
	c.markStream.Start(ctx)
	return nil
}

// createListenKey mints a user-data stream key.
func (c *Client) createListenKey(ctx context.Context) (string, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return "", err
	}
	var result listenKeyResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Post("/fapi/v1/listenKey")
	if err != nil {
		return "", &broker.Error{Kind: broker.KindNetwork, Message: err.Error(), Retryable: true}
	}
	if resp.StatusCode() != http.StatusOK {
		return "", mapAPIError(resp)
	}
	return result.ListenKey, nil
}

// startKeepalive extends the listen key on the heartbeat interval. The
// key expires after 60 minutes without a keepalive.
func (c *Client) startKeepalive(ctx context.Context) {
	interval := c.wsCfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				resp, err := c.http.R().
					SetContext(ctx).
					Put("/fapi/v1/listenKey")
				if err != nil {
					c.logger.Warn("listen key keepalive failed", "error", err)
					continue
				}
				if resp.StatusCode() != http.StatusOK {
					c.logger.Warn("listen key keepalive rejected", "status", resp.StatusCode())
				}
			}
		}
	}()
}

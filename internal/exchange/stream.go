package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/driftpoint/regimebot/pkg/types"
)

// TickerHandler receives each live ticker update.
type TickerHandler func(ticker types.Ticker)

// TickerStream maintains a websocket subscription to one symbol's
// 24h ticker stream and reconnects with backoff after read failures.
type TickerStream struct {
	logger  *zap.Logger
	baseURL string
	symbol  string
	handler TickerHandler

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewTickerStream creates a stream for one symbol. baseURL is the
// websocket endpoint root, e.g. wss://stream.binance.com:9443/ws.
func NewTickerStream(logger *zap.Logger, baseURL, symbol string, handler TickerHandler) *TickerStream {
	return &TickerStream{
		logger:  logger,
		baseURL: baseURL,
		symbol:  symbol,
		handler: handler,
	}
}

func (s *TickerStream) streamURL() string {
	name := strings.ToLower(strings.ReplaceAll(s.symbol, "/", ""))
	return s.baseURL + "/" + name + "@ticker"
}

// Start dials the stream and launches the read loop.
func (s *TickerStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("ticker stream already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	s.setConn(conn)

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("Ticker stream connected",
		zap.String("symbol", s.symbol),
		zap.String("url", s.streamURL()),
	)
	return nil
}

func (s *TickerStream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.streamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial ticker stream: %w", err)
	}
	return conn, nil
}

func (s *TickerStream) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// run reads messages until stopped, redialing after failures.
func (s *TickerStream) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		if s.stopped() {
			return
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.stopped() {
				return
			}
			s.logger.Warn("Ticker stream read error, reconnecting", zap.Error(err))
			if !s.reconnect(ctx) {
				return
			}
			continue
		}

		s.handleMessage(message)
	}
}

func (s *TickerStream) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// reconnect redials with exponential backoff until it succeeds or the
// stream is stopped. Returns false when the stream should exit.
func (s *TickerStream) reconnect(ctx context.Context) bool {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		wait := bo.NextBackOff()
		select {
		case <-s.stopCh:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}

		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("Ticker stream reconnect failed", zap.Error(err))
			continue
		}
		s.setConn(conn)
		s.logger.Info("Ticker stream reconnected", zap.String("symbol", s.symbol))
		return true
	}
}

type wsTicker struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	BidPrice  string `json:"b"`
	AskPrice  string `json:"a"`
	Volume    string `json:"v"`
	EventTime int64  `json:"E"`
}

func (s *TickerStream) handleMessage(message []byte) {
	var tick wsTicker
	if err := json.Unmarshal(message, &tick); err != nil {
		s.logger.Debug("Unparseable stream message", zap.Error(err))
		return
	}
	if tick.EventType != "24hrTicker" || s.handler == nil {
		return
	}

	last, err := decimal.NewFromString(tick.LastPrice)
	if err != nil {
		return
	}
	bid, _ := decimal.NewFromString(tick.BidPrice)
	ask, _ := decimal.NewFromString(tick.AskPrice)
	volume, _ := decimal.NewFromString(tick.Volume)

	s.handler(types.Ticker{
		Symbol:    tick.Symbol,
		Last:      last,
		Bid:       bid,
		Ask:       ask,
		Volume:    volume,
		Timestamp: time.UnixMilli(tick.EventTime),
	})
}

// Stop closes the connection and waits for the read loop to exit.
func (s *TickerStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	s.logger.Info("Ticker stream stopped", zap.String("symbol", s.symbol))
}

package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"PerpClient/internal/account"
	"PerpClient/internal/address"
	"PerpClient/internal/observability"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultKeepAlive      = 20 * time.Second
)

// Invalidator drops cached entities.
type Invalidator interface {
	Invalidate(kind account.Kind, id address.Pubkey)
	InvalidateKind(kind account.Kind)
}

// Watcher subscribes to program account changes and invalidates the cache
// entries they affect. Notifications can be missed while disconnected, so
// every (re)connect drops the whole cache.
type Watcher struct {
	url            string
	program        address.Pubkey
	commitment     string
	target         Invalidator
	metrics        *observability.Metrics
	logger         zerolog.Logger
	reconnectDelay time.Duration
	keepAlive      time.Duration
	dialer         *websocket.Dialer

	connected atomic.Bool
}

type WatcherOption func(*Watcher)

func WithWatcherMetrics(m *observability.Metrics) WatcherOption {
	return func(w *Watcher) { w.metrics = m }
}

func WithWatcherLogger(l zerolog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

func WithReconnectDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.reconnectDelay = d }
}

func WithCommitment(c string) WatcherOption {
	return func(w *Watcher) { w.commitment = c }
}

func NewWatcher(url string, program address.Pubkey, target Invalidator, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		url:            url,
		program:        program,
		commitment:     "confirmed",
		target:         target,
		logger:         zerolog.Nop(),
		reconnectDelay: defaultReconnectDelay,
		keepAlive:      defaultKeepAlive,
		dialer:         websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Connected reports whether a subscription is live.
func (w *Watcher) Connected() bool { return w.connected.Load() }

// Run keeps a subscription open until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := w.session(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn().Err(err).Str("url", w.url).Msg("program subscription ended")
		}
		if waitForReconnect(ctx, w.reconnectDelay) {
			return
		}
	}
}

type programNotification struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	Method string          `json:"method"`
	Params struct {
		Result struct {
			Value struct {
				Pubkey  string      `json:"pubkey"`
				Account accountInfo `json:"account"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

func (w *Watcher) session(ctx context.Context) error {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	sub := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "programSubscribe",
		"params": []any{w.program.String(), map[string]any{
			"encoding":   "base64",
			"commitment": w.commitment,
		}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()
	go w.pingLoop(sessionCtx, conn, cancel)

	defer w.connected.Store(false)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg programNotification
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logger.Debug().Err(err).Msg("undecodable websocket message")
			continue
		}
		switch {
		case msg.Error != nil:
			return fmt.Errorf("subscribe rejected: %w", msg.Error)
		case msg.ID != nil:
			w.connected.Store(true)
			w.resync()
			w.logger.Info().Str("subscription", string(msg.Result)).Msg("program subscription active")
		case msg.Method == "programNotification":
			w.apply(msg)
		}
	}
}

// resync drops every collection; updates may have been missed.
func (w *Watcher) resync() {
	for _, k := range account.Kinds {
		w.target.InvalidateKind(k)
	}
}

func (w *Watcher) apply(msg programNotification) {
	v := msg.Params.Result.Value
	id, err := address.ParsePubkey(v.Pubkey)
	if err != nil {
		w.logger.Debug().Err(err).Msg("notification with bad pubkey")
		return
	}
	if len(v.Account.Data) == 0 {
		return
	}
	data, err := base64.StdEncoding.DecodeString(v.Account.Data[0])
	if err != nil {
		return
	}
	kind, err := account.DetectKind(data)
	if err != nil {
		// Closed accounts arrive with empty data; drop the id from every collection.
		for _, k := range account.Kinds {
			w.target.Invalidate(k, id)
		}
		return
	}
	w.target.Invalidate(kind, id)
	if w.metrics != nil {
		w.metrics.WatcherUpdates.WithLabelValues(kind.String()).Inc()
	}
}

func (w *Watcher) pingLoop(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(w.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				w.logger.Warn().Err(err).Msg("websocket ping failed")
				cancel()
				return
			}
		}
	}
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

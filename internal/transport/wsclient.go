package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orbitfi/ledgerbook/internal/ledger"
)

// ErrClosed is returned for requests issued after Close.
var ErrClosed = errors.New("transport: remote closed")

// RequestError is a server-side rejection of one request. Never retried
// here; retry policy belongs to the caller.
type RequestError struct {
	Command string
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("transport: %s failed: %s (%s)", e.Command, e.Code, e.Message)
}

// Options tunes the websocket remote.
type Options struct {
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	PingInterval     time.Duration
	ReconnectMax     time.Duration
}

func (o *Options) withDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 20 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
}

type subscription struct {
	book ledger.BookID
	fn   func(ledger.TxNotification)
}

// WSRemote speaks the ledger node's websocket JSON protocol: request/
// response commands correlated by id, plus subscription streams. A single
// reader goroutine dispatches everything, so stream notifications are
// delivered one at a time, in arrival order, and the next is not delivered
// until the previous handler returns.
type WSRemote struct {
	url  string
	log  *zap.Logger
	opts Options

	nextID atomic.Uint64

	mu           sync.Mutex
	conn         *websocket.Conn
	pending      map[uint64]chan callResult
	subs         map[string]subscription
	onDisconnect []func()
	onReady      []func()
	closed       bool

	writeMu sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Dial connects to the node and starts the connection supervisor. The
// initial dial must succeed; reconnects after that are retried with
// exponential backoff until Close.
func Dial(ctx context.Context, url string, log *zap.Logger, opts Options) (*WSRemote, error) {
	opts.withDefaults()
	r := &WSRemote{
		url:     url,
		log:     log.With(zap.String("remote", url)),
		opts:    opts,
		pending: make(map[uint64]chan callResult),
		subs:    make(map[string]subscription),
		done:    make(chan struct{}),
	}

	conn, err := r.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	r.conn = conn

	r.wg.Add(1)
	go r.supervise()
	return r, nil
}

func (r *WSRemote) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: r.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	return conn, err
}

// Close tears the connection down and fails all pending requests.
func (r *WSRemote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.mu.Unlock()

	close(r.done)
	if conn != nil {
		conn.Close()
	}
	r.wg.Wait()
	return nil
}

// OnDisconnect registers a connection-loss callback.
func (r *WSRemote) OnDisconnect(fn func()) {
	r.mu.Lock()
	r.onDisconnect = append(r.onDisconnect, fn)
	r.mu.Unlock()
}

// OnReady registers a reconnect-readiness callback. Fired after each
// successful reconnect, not on the initial dial.
func (r *WSRemote) OnReady(fn func()) {
	r.mu.Lock()
	r.onReady = append(r.onReady, fn)
	r.mu.Unlock()
}

// supervise owns the read loop and the reconnect cycle.
func (r *WSRemote) supervise() {
	defer r.wg.Done()

	for {
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn == nil {
			return
		}

		r.readLoop(conn)

		select {
		case <-r.done:
			return
		default:
		}

		r.handleDisconnect()
		if !r.reconnect() {
			return
		}
	}
}

func (r *WSRemote) readLoop(conn *websocket.Conn) {
	if r.opts.PingInterval > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go r.pingLoop(conn, stop)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-r.done:
			default:
				r.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		r.handleMessage(msg)
	}
}

func (r *WSRemote) pingLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			r.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		case <-r.done:
			return
		}
	}
}

// handleDisconnect fails pending requests, drops subscriptions (books
// re-establish them through their own resubscribe cycle) and notifies
// listeners.
func (r *WSRemote) handleDisconnect() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint64]chan callResult)
	r.subs = make(map[string]subscription)
	callbacks := append([]func(){}, r.onDisconnect...)
	r.conn = nil
	r.mu.Unlock()

	for _, ch := range pending {
		ch <- callResult{err: errors.New("transport: connection lost")}
	}
	for _, fn := range callbacks {
		fn()
	}
}

// reconnect retries with exponential backoff until success or Close.
func (r *WSRemote) reconnect() bool {
	delay := 500 * time.Millisecond
	for attempt := 0; ; attempt++ {
		select {
		case <-r.done:
			return false
		case <-time.After(delay):
		}

		conn, err := r.dial(context.Background())
		if err != nil {
			r.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			delay *= 2
			if delay > r.opts.ReconnectMax {
				delay = r.opts.ReconnectMax
			}
			continue
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			conn.Close()
			return false
		}
		r.conn = conn
		callbacks := append([]func(){}, r.onReady...)
		r.mu.Unlock()

		r.log.Info("reconnected", zap.Int("attempt", attempt))
		for _, fn := range callbacks {
			fn()
		}
		return true
	}
}

func (r *WSRemote) handleMessage(msg []byte) {
	var head struct {
		ID     *uint64 `json:"id"`
		Type   string  `json:"type"`
		Status string  `json:"status"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		r.log.Warn("unparseable message", zap.Error(err))
		return
	}

	if head.ID != nil {
		r.resolveCall(*head.ID, msg)
		return
	}
	if head.Type == "transaction" {
		r.dispatchTx(msg)
	}
}

func (r *WSRemote) resolveCall(id uint64, msg []byte) {
	var body struct {
		Status       string          `json:"status"`
		Result       json.RawMessage `json:"result"`
		Error        string          `json:"error"`
		ErrorMessage string          `json:"error_message"`
	}
	if err := json.Unmarshal(msg, &body); err != nil {
		r.log.Warn("unparseable response", zap.Uint64("id", id), zap.Error(err))
		return
	}

	r.mu.Lock()
	ch, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	if body.Status != "success" {
		ch <- callResult{err: &RequestError{Code: body.Error, Message: body.ErrorMessage}}
		return
	}
	ch <- callResult{result: body.Result}
}

// dispatchTx decodes one stream transaction and hands it to every
// registered book subscription, serially. Books filter the records that
// belong to them by identity.
func (r *WSRemote) dispatchTx(msg []byte) {
	tx, err := decodeTx(msg)
	if err != nil {
		r.log.Error("dropping malformed transaction", zap.Error(err))
		return
	}

	r.mu.Lock()
	subs := make([]subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		s.fn(tx)
	}
}

// call issues one request and awaits its correlated response.
func (r *WSRemote) call(ctx context.Context, payload map[string]any) (json.RawMessage, error) {
	id := r.nextID.Add(1)
	payload["id"] = id

	ch := make(chan callResult, 1)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	conn := r.conn
	r.pending[id] = ch
	r.mu.Unlock()

	if conn == nil {
		r.dropPending(id)
		return nil, errors.New("transport: not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		r.dropPending(id)
		return nil, fmt.Errorf("transport: encode request: %w", err)
	}

	r.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	r.writeMu.Unlock()
	if err != nil {
		r.dropPending(id)
		return nil, fmt.Errorf("transport: write request: %w", err)
	}

	timeout := time.NewTimer(r.opts.RequestTimeout)
	defer timeout.Stop()
	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		r.dropPending(id)
		return nil, ctx.Err()
	case <-timeout.C:
		r.dropPending(id)
		return nil, fmt.Errorf("transport: request %d timed out", id)
	case <-r.done:
		r.dropPending(id)
		return nil, ErrClosed
	}
}

func (r *WSRemote) dropPending(id uint64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func amountSpec(currency, issuer string) map[string]any {
	spec := map[string]any{"currency": currency}
	if issuer != "" {
		spec["issuer"] = issuer
	}
	return spec
}

// FetchBookSnapshot retrieves the full current offer set for a book.
func (r *WSRemote) FetchBookSnapshot(ctx context.Context, book ledger.BookID) ([]ledger.OfferNode, error) {
	result, err := r.call(ctx, map[string]any{
		"command":    "book_offers",
		"taker_gets": amountSpec(book.GetsCurrency, book.GetsIssuer),
		"taker_pays": amountSpec(book.PaysCurrency, book.PaysIssuer),
	})
	if err != nil {
		if reqErr, ok := err.(*RequestError); ok {
			reqErr.Command = "book_offers"
		}
		return nil, err
	}
	return decodeSnapshot(result)
}

// FetchTransferRate reads the issuer's fee multiplier from its account
// root. Accounts that never set a rate report the default.
func (r *WSRemote) FetchTransferRate(ctx context.Context, issuer string) (uint32, error) {
	result, err := r.call(ctx, map[string]any{
		"command": "account_info",
		"account": issuer,
	})
	if err != nil {
		if reqErr, ok := err.(*RequestError); ok {
			reqErr.Command = "account_info"
		}
		return 0, err
	}
	var body struct {
		AccountData struct {
			TransferRate uint32 `json:"TransferRate"`
		} `json:"account_data"`
	}
	if err := json.Unmarshal(result, &body); err != nil {
		return 0, fmt.Errorf("transport: parse account_info: %w", err)
	}
	if body.AccountData.TransferRate == 0 {
		return ledger.DefaultTransferRate, nil
	}
	return body.AccountData.TransferRate, nil
}

// SubscribeBook attaches fn to the book's change stream.
func (r *WSRemote) SubscribeBook(ctx context.Context, book ledger.BookID, fn func(ledger.TxNotification)) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.subs[book.String()] = subscription{book: book, fn: fn}
	r.mu.Unlock()

	_, err := r.call(ctx, map[string]any{
		"command": "subscribe",
		"books": []map[string]any{{
			"taker_gets": amountSpec(book.GetsCurrency, book.GetsIssuer),
			"taker_pays": amountSpec(book.PaysCurrency, book.PaysIssuer),
		}},
	})
	if err != nil {
		r.mu.Lock()
		delete(r.subs, book.String())
		r.mu.Unlock()
		if reqErr, ok := err.(*RequestError); ok {
			reqErr.Command = "subscribe"
		}
		return err
	}
	return nil
}

// UnsubscribeBook detaches immediately: the local registration goes first
// so no further notifications are delivered, then the server is told on a
// best-effort basis.
func (r *WSRemote) UnsubscribeBook(book ledger.BookID) {
	r.mu.Lock()
	delete(r.subs, book.String())
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.RequestTimeout)
	defer cancel()
	_, err := r.call(ctx, map[string]any{
		"command": "unsubscribe",
		"books": []map[string]any{{
			"taker_gets": amountSpec(book.GetsCurrency, book.GetsIssuer),
			"taker_pays": amountSpec(book.PaysCurrency, book.PaysIssuer),
		}},
	})
	if err != nil {
		r.log.Warn("unsubscribe failed", zap.String("book", book.String()), zap.Error(err))
	}
}

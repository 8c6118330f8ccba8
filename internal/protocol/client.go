package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"execution-core/internal/order"
	"execution-core/pkg/broker"
)

var (
	ErrLinkDown       = errors.New("protocol: link down")
	ErrReplyTimeout   = errors.New("protocol: reply timeout")
	ErrConnectionLost = errors.New("protocol: connection lost awaiting reply")
	ErrClosed         = errors.New("protocol: client closed")
	ErrUnexpected     = errors.New("protocol: unexpected reply")

	// errDial and errWrite mark attempts that never reached the gateway
	// intact and may be retried under the same uuid.
	errDial  = errors.New("protocol: dial failed")
	errWrite = errors.New("protocol: write failed")
)

// LinkChecker reports whether the heartbeat currently considers the link usable.
type LinkChecker interface {
	Up() bool
}

type ClientConfig struct {
	URL            string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	WriteTimeout   time.Duration
	DialTimeout    time.Duration
}

func (c *ClientConfig) setDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 3 * time.Second
	}
}

type ClientOption func(*Client)

func WithLinkChecker(l LinkChecker) ClientOption {
	return func(c *Client) { c.link = l }
}

func WithClock(clock *Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

// WithLatencyObserver receives the round trip of every answered request.
func WithLatencyObserver(fn func(MessageType, time.Duration)) ClientOption {
	return func(c *Client) { c.observe = fn }
}

// Client is the Brain end of one websocket connection to the gateway.
// Orders and heartbeats use separate clients so a slow order never
// delays a ping.
type Client struct {
	cfg     ClientConfig
	dialer  *websocket.Dialer
	log     zerolog.Logger
	link    LinkChecker
	clock   *Clock
	observe func(MessageType, time.Duration)

	mu     sync.Mutex
	sess   *session
	closed bool
}

func NewClient(cfg ClientConfig, log zerolog.Logger, opts ...ClientOption) *Client {
	cfg.setDefaults()
	c := &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.DialTimeout,
		},
		log: log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendOrder delivers a signed ORDER_OPEN and waits up to timeout for the
// gateway's verdict. Undelivered attempts are retried under the same uuid;
// an order whose reply never arrived is reported as TIMEOUT and never resent.
func (c *Client) SendOrder(ctx context.Context, s order.SignedOrder, timeout time.Duration) (order.ExecutionResult, error) {
	return c.execute(ctx, NewOrderOpen(s), timeout)
}

// ClosePosition follows the same delivery rules as SendOrder.
func (c *Client) ClosePosition(ctx context.Context, req order.CloseRequest, timeout time.Duration) (order.ExecutionResult, error) {
	return c.execute(ctx, NewOrderClose(req, time.Now().UTC()), timeout)
}

func (c *Client) execute(ctx context.Context, req Request, timeout time.Duration) (order.ExecutionResult, error) {
	if c.link != nil && !c.link.Up() {
		return failedResult(req.UUID, ErrLinkDown), ErrLinkDown
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	var reply Reply
	err := c.retry(ctx, undelivered, func() error {
		r, err := c.roundTrip(ctx, req, timeout)
		reply = r
		return err
	})
	if err != nil {
		c.log.Warn().Err(err).Str("uuid", req.UUID).Str("type", string(req.Type)).Msg("order not confirmed")
		return failedResult(req.UUID, err), err
	}
	if reply.Type != req.Type {
		return failedResult(req.UUID, ErrUnexpected), fmt.Errorf("%w: %s for %s", ErrUnexpected, reply.Type, req.Type)
	}
	return reply.Result(), nil
}

// GetAccount is idempotent and retried on any transport failure.
func (c *Client) GetAccount(ctx context.Context) (broker.AccountSnapshot, error) {
	req := Request{Type: TypeGetAccount, UUID: uuid.NewString(), Timestamp: time.Now().UTC()}
	var reply Reply
	err := c.retry(ctx, transient, func() error {
		r, err := c.roundTrip(ctx, req, c.cfg.RequestTimeout)
		reply = r
		return err
	})
	if err != nil {
		return broker.AccountSnapshot{}, err
	}
	if reply.Status != StatusOK || reply.AccountSnapshot == nil {
		return broker.AccountSnapshot{}, fmt.Errorf("%w: account %s %s", ErrUnexpected, reply.ErrorCode, reply.Error)
	}
	return *reply.AccountSnapshot, nil
}

// Ping sends one PING and feeds the answer into the clock offset.
func (c *Client) Ping(ctx context.Context) (Pong, error) {
	sent := time.Now()
	req := Request{Type: TypePing, UUID: uuid.NewString(), Timestamp: sent.UTC()}
	timeout := c.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	reply, err := c.roundTrip(ctx, req, timeout)
	if err != nil {
		return Pong{}, err
	}
	received := time.Now()
	if reply.Type != TypePong {
		return Pong{}, fmt.Errorf("%w: %s for PING", ErrUnexpected, reply.Type)
	}
	pong := Pong{NodeID: reply.NodeID, RTT: received.Sub(sent)}
	if reply.ServerTime > 0 {
		pong.ServerTime = time.UnixMilli(reply.ServerTime)
		if c.clock != nil {
			c.clock.Observe(sent, received, pong.ServerTime)
		}
	}
	return pong, nil
}

// Close drops the connection and refuses further requests.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess != nil {
		sess.fail(ErrClosed)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, req Request, timeout time.Duration) (Reply, error) {
	sess, err := c.session(ctx)
	if err != nil {
		return Reply{}, err
	}
	ch, err := sess.register(req.UUID)
	if err != nil {
		return Reply{}, err
	}

	start := time.Now()
	if err := sess.write(req, c.cfg.WriteTimeout); err != nil {
		sess.unregister(req.UUID)
		c.drop(sess, err)
		return Reply{}, fmt.Errorf("%w: %v", errWrite, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		c.record(req.Type, time.Since(start))
		return r, nil
	case <-timer.C:
		sess.unregister(req.UUID)
		return Reply{}, ErrReplyTimeout
	case <-sess.dead:
		sess.unregister(req.UUID)
		select {
		case r := <-ch:
			c.record(req.Type, time.Since(start))
			return r, nil
		default:
		}
		return Reply{}, fmt.Errorf("%w: %v", ErrConnectionLost, sess.err)
	case <-ctx.Done():
		sess.unregister(req.UUID)
		return Reply{}, fmt.Errorf("%w: %v", ErrConnectionLost, ctx.Err())
	}
}

func (c *Client) record(typ MessageType, rtt time.Duration) {
	if c.observe != nil {
		c.observe(typ, rtt)
	}
}

func (c *Client) session(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.sess != nil {
		return c.sess, nil
	}

	ws, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDial, err)
	}
	sess := &session{
		ws:      ws,
		pending: make(map[string]chan Reply),
		dead:    make(chan struct{}),
	}
	c.sess = sess
	go c.readLoop(sess)
	c.log.Info().Str("url", c.cfg.URL).Msg("gateway connected")
	return sess, nil
}

func (c *Client) drop(sess *session, err error) {
	sess.fail(err)
	c.mu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.mu.Unlock()
}

func (c *Client) readLoop(sess *session) {
	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			c.drop(sess, err)
			return
		}
		var r Reply
		if err := json.Unmarshal(data, &r); err != nil {
			c.log.Warn().Err(err).Msg("discarding undecodable reply")
			continue
		}
		if !sess.deliver(r) {
			c.log.Debug().Str("uuid", r.UUID).Msg("reply for abandoned request")
		}
	}
}

func (c *Client) retry(ctx context.Context, retryable func(error) bool, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("gateway request failed")
		return err
	}, policy)
}

func undelivered(err error) bool {
	return errors.Is(err, errDial) || errors.Is(err, errWrite)
}

func transient(err error) bool {
	return !errors.Is(err, ErrClosed)
}

// failedResult maps a delivery failure to an execution result. Anything
// that might have reached the broker is TIMEOUT, never REJECTED.
func failedResult(id string, err error) order.ExecutionResult {
	res := order.ExecutionResult{RequestID: id, Error: err.Error()}
	switch {
	case errors.Is(err, ErrLinkDown), errors.Is(err, errDial), errors.Is(err, ErrClosed):
		res.Status = order.StatusRejected
		res.ErrorCode = order.CodeLinkDown
		res.NonFinancial = true
	case errors.Is(err, ErrReplyTimeout):
		res.Status = order.StatusTimeout
		res.ErrorCode = order.CodeReplyTimeout
	case errors.Is(err, ErrUnexpected):
		res.Status = order.StatusError
		res.ErrorCode = order.CodeMalformedMessage
	default:
		res.Status = order.StatusTimeout
		res.ErrorCode = order.CodeLinkLost
	}
	return res
}

type session struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Reply

	dead chan struct{}
	once sync.Once
	err  error
}

var errDuplicateRequest = errors.New("protocol: request already awaiting reply")

func (s *session) register(id string) (chan Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; ok {
		return nil, errDuplicateRequest
	}
	ch := make(chan Reply, 1)
	s.pending[id] = ch
	return ch, nil
}

func (s *session) unregister(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *session) deliver(r Reply) bool {
	s.mu.Lock()
	ch, ok := s.pending[r.UUID]
	delete(s.pending, r.UUID)
	s.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

func (s *session) write(req Request, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(timeout))
	return s.ws.WriteJSON(req)
}

func (s *session) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.dead)
		_ = s.ws.Close()
	})
}

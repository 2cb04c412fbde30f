// Package gateway keeps one account's real-time connection to the chat
// platform alive and hands dispatch events to the pipeline.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"mjrelay/internal/lock"
	"mjrelay/pkg/logx"
)

var (
	ErrDisabled = errors.New("gateway: connection permanently disabled")
	ErrClosed   = errors.New("gateway: connection closed")
	ErrNoSocket = errors.New("gateway: not connected")
	// ErrDial wraps a failed socket dial. Start keeps retrying in the
	// background after returning it.
	ErrDial = errors.New("gateway: dial failed")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is the resumable part of a connection.
type Session struct {
	ID        string
	Seq       int64
	ResumeURL string
	UserID    string
	// PrivateChannels maps a DM recipient user id to the channel id.
	PrivateChannels map[string]string
}

type Config struct {
	AccountID string
	Token     string
	UserAgent string
	URL       string

	HeartbeatJitter float64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	Compress        bool

	// FailureLimit new connections within FailureWindow are tolerated; one
	// more disables the connection.
	FailureLimit  int
	FailureWindow time.Duration
	RetryDelay    time.Duration

	Properties ClientProperties
}

func (c *Config) setDefaults() {
	if c.URL == "" {
		c.URL = "wss://gateway.discord.gg"
	}
	if c.HeartbeatJitter <= 0 {
		c.HeartbeatJitter = 0.9
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.FailureLimit <= 0 {
		c.FailureLimit = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 5 * time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.Properties.Browser == "" {
		c.Properties = DefaultProperties(c.UserAgent)
	}
}

// Conn is the per-account gateway state machine.
type Conn struct {
	cfg    Config
	log    logx.Logger
	locks  *lock.MutexMap
	dialer *websocket.Dialer
	queue  *Queue

	// OnDisable is called once when the failure window is exceeded. It runs
	// under the account lock and must not call back into the Conn.
	OnDisable func(reason string)

	state   atomic.Int32
	closing atomic.Bool

	mu         sync.Mutex
	baseCtx    context.Context
	baseCancel context.CancelFunc
	ws       *websocket.Conn
	gen      uint64
	connCtx  context.Context
	cancel   context.CancelFunc
	inflater *Inflater
	hb       *Heartbeat
	hello    *outbound
	session  Session
	liveCh   chan struct{}
	attempts []time.Time
	disabled bool
	closed   bool
	wg       sync.WaitGroup

	writeMu sync.Mutex
}

func New(cfg Config, locks *lock.MutexMap, log logx.Logger) *Conn {
	cfg.setDefaults()
	if locks == nil {
		locks = lock.NewMutexMap()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Conn{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "gateway"), logx.String("account", cfg.AccountID)),
		locks:  locks,
		dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 15 * time.Second},
		queue:  NewQueue(),
		liveCh: make(chan struct{}),
	}
	return c
}

func (c *Conn) lockKey() string { return "gateway:" + c.cfg.AccountID }

// Dispatches is the queue of op-0 events for the pipeline worker.
func (c *Conn) Dispatches() *Queue { return c.queue }

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) IsLive() bool { return c.State() == StateConnected }

// Session returns a copy of the current session.
func (c *Conn) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	s.PrivateChannels = make(map[string]string, len(c.session.PrivateChannels))
	for k, v := range c.session.PrivateChannels {
		s.PrivateChannels[k] = v
	}
	return s
}

func (c *Conn) Latency() time.Duration {
	c.mu.Lock()
	hb := c.hb
	c.mu.Unlock()
	if hb == nil {
		return 0
	}
	return hb.Latency()
}

// WaitLive blocks until the connection reaches Connected or ctx ends.
func (c *Conn) WaitLive(ctx context.Context) error {
	for {
		c.mu.Lock()
		ch := c.liveCh
		disabled := c.disabled
		c.mu.Unlock()
		if c.IsLive() {
			return nil
		}
		if disabled {
			return ErrDisabled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Start opens a connection. Once the server says hello it sends identify, or
// resume when resume is set and a session is known. ctx also bounds the
// connection's lifetime. A failed dial is returned and then retried through
// the same bounded reconnect loop as a dropped connection.
func (c *Conn) Start(ctx context.Context, resume bool) error {
	c.locks.Lock(c.lockKey())
	defer c.locks.Unlock(c.lockKey())
	err := c.startLocked(ctx, resume)
	if errors.Is(err, ErrDial) {
		c.retryLater(err.Error())
	}
	return err
}

func (c *Conn) startLocked(ctx context.Context, resume bool) error {
	c.mu.Lock()
	if c.closed || c.closing.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.disabled {
		c.mu.Unlock()
		return ErrDisabled
	}
	if c.baseCtx == nil {
		c.baseCtx, c.baseCancel = context.WithCancel(ctx)
	}
	sess := c.session
	c.mu.Unlock()

	resume = resume && sess.ID != ""
	if resume {
		c.state.Store(int32(StateReconnecting))
	} else {
		c.state.Store(int32(StateConnecting))
	}
	c.teardown()

	target, err := c.endpoint(resume, sess.ResumeURL)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return err
	}
	header := http.Header{}
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}
	ws, resp, err := c.dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("%w: %w", ErrDial, err)
	}

	var hello outbound
	if resume {
		hello = resumeFrame(c.cfg.Token, sess.ID, sess.Seq)
	} else {
		hello = identifyFrame(c.cfg.Token, c.cfg.Properties)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	connCtx, cancel := context.WithCancel(c.baseCtx)
	c.ws = ws
	c.connCtx = connCtx
	c.cancel = cancel
	c.hello = &hello
	c.inflater = NewInflater(func(msg []byte) { c.handleMessage(gen, msg) })
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(connCtx, gen, ws)
	}()
	c.log.Info("gateway connecting", logx.Bool("resume", resume), logx.String("url", target))
	return nil
}

func (c *Conn) endpoint(resume bool, resumeURL string) (string, error) {
	base := c.cfg.URL
	if resume && resumeURL != "" {
		base = resumeURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("gateway url: %w", err)
	}
	q := u.Query()
	q.Set("encoding", "json")
	q.Set("v", "9")
	if c.cfg.Compress {
		q.Set("compress", "zlib-stream")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// teardown closes the current socket, heartbeat and inflater. Stale read
// loops observe the generation bump and exit quietly.
func (c *Conn) teardown() {
	c.mu.Lock()
	ws, cancel, inflater := c.ws, c.cancel, c.inflater
	c.ws, c.connCtx, c.cancel, c.inflater, c.hb, c.hello = nil, nil, nil, nil, nil, nil
	c.gen++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4000, "reconnecting"), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	if inflater != nil {
		_ = inflater.Close()
	}
}

func (c *Conn) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen && c.ws != nil
}

func (c *Conn) send(gen uint64, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	ok := c.gen == gen
	c.mu.Unlock()
	if ws == nil || !ok {
		return ErrNoSocket
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Conn) readLoop(ctx context.Context, gen uint64, ws *websocket.Conn) {
	for {
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || !c.current(gen) {
				return
			}
			code, reason := classifyReadError(err)
			c.log.Warn("gateway read failed", logx.Int("code", code), logx.Err(err))
			c.fail(gen, code, reason)
			return
		}
		c.mu.Lock()
		hb, inflater := c.hb, c.inflater
		c.mu.Unlock()
		if hb != nil {
			hb.Touch()
		}
		switch mt {
		case websocket.TextMessage:
			c.handleMessage(gen, data)
		case websocket.BinaryMessage:
			if inflater == nil {
				return
			}
			if err := inflater.Feed(data); err != nil {
				c.log.Warn("gateway inflate failed", logx.Err(err))
				c.fail(gen, CodeSessionInvalid, "corrupt compressed stream")
				return
			}
		}
	}
}

func classifyReadError(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CodeResume, "read timeout"
	}
	return CodeResume, err.Error()
}

func (c *Conn) handleMessage(gen uint64, raw []byte) {
	if !c.current(gen) {
		return
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.log.Warn("gateway frame decode failed", logx.Err(err))
		return
	}
	if f.S != nil {
		c.mu.Lock()
		c.session.Seq = *f.S
		c.mu.Unlock()
	}

	switch f.Op {
	case OpHello:
		interval := time.Duration(gjson.GetBytes(f.D, "heartbeat_interval").Int()) * time.Millisecond
		c.startHeartbeat(gen, interval)
		c.mu.Lock()
		hello := c.hello
		c.hello = nil
		c.mu.Unlock()
		if hello != nil {
			if err := c.send(gen, *hello); err != nil {
				c.log.Warn("gateway handshake failed", logx.Err(err))
				go c.fail(gen, CodeResume, "handshake send failed")
			}
		}
	case OpHeartbeat:
		if err := c.send(gen, heartbeatFrame(c.seq())); err != nil {
			c.log.Debug("heartbeat reply failed", logx.Err(err))
		}
	case OpHeartbeatAck:
		c.mu.Lock()
		hb := c.hb
		c.mu.Unlock()
		if hb != nil {
			hb.Acknowledge(hb.LastSent())
		}
	case OpInvalidSession:
		c.log.Warn("gateway session invalidated")
		c.clearSession()
		go c.fail(gen, CodeSessionInvalid, "invalid session")
	case OpReconnect:
		go c.fail(gen, CodeResume, "server requested reconnect")
	case OpDispatch:
		c.onDispatch(f)
	default:
		c.log.Debug("gateway unknown opcode", logx.Int("op", f.Op))
	}
}

func (c *Conn) seq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Seq
}

func (c *Conn) clearSession() {
	c.mu.Lock()
	c.session = Session{}
	c.mu.Unlock()
}

func (c *Conn) startHeartbeat(gen uint64, interval time.Duration) {
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}
	hb := NewHeartbeat(interval, c.cfg.HeartbeatJitter)
	c.mu.Lock()
	if c.gen != gen || c.connCtx == nil {
		c.mu.Unlock()
		return
	}
	c.hb = hb
	ctx := c.connCtx
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := hb.Run(ctx, func(context.Context) error {
			return c.send(gen, heartbeatFrame(c.seq()))
		})
		if err == nil || errors.Is(err, context.Canceled) || !c.current(gen) {
			return
		}
		c.log.Warn("heartbeat failed", logx.Err(err))
		c.fail(gen, CodeResume, err.Error())
	}()
}

func (c *Conn) onDispatch(f Frame) {
	switch f.T {
	case "READY":
		r := gjson.ParseBytes(f.D)
		pcs := map[string]string{}
		r.Get("private_channels").ForEach(func(_, ch gjson.Result) bool {
			id := ch.Get("id").String()
			ch.Get("recipients").ForEach(func(_, u gjson.Result) bool {
				pcs[u.Get("id").String()] = id
				return true
			})
			ch.Get("recipient_ids").ForEach(func(_, u gjson.Result) bool {
				pcs[u.String()] = id
				return true
			})
			return true
		})
		c.mu.Lock()
		c.session.ID = r.Get("session_id").String()
		c.session.ResumeURL = r.Get("resume_gateway_url").String()
		c.session.UserID = r.Get("user.id").String()
		c.session.PrivateChannels = pcs
		c.mu.Unlock()
		c.markLive()
		c.log.Info("gateway ready", logx.String("user_id", r.Get("user.id").String()))
	case "RESUMED":
		c.markLive()
		c.log.Info("gateway resumed")
	}
	var seq int64
	if f.S != nil {
		seq = *f.S
	}
	c.queue.Push(Dispatch{Type: f.T, Seq: seq, Data: f.D, Received: time.Now()})
}

func (c *Conn) markLive() {
	c.state.Store(int32(StateConnected))
	c.mu.Lock()
	close(c.liveCh)
	c.liveCh = make(chan struct{})
	c.mu.Unlock()
}

// HandleFailure reacts to a transport failure on the current connection.
func (c *Conn) HandleFailure(code int, reason string) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.fail(gen, code, reason)
}

// retryLater hands a failed initial dial to the reconnect loop after one
// retry delay. The caller holds the account lock.
func (c *Conn) retryLater(reason string) {
	c.mu.Lock()
	gen, ctx := c.gen, c.baseCtx
	c.mu.Unlock()
	if ctx == nil {
		return
	}
	c.state.Store(int32(StateReconnecting))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.RetryDelay):
		}
		c.fail(gen, CodeSessionInvalid, reason)
	}()
}

func (c *Conn) fail(gen uint64, code int, reason string) {
	c.locks.Lock(c.lockKey())
	defer c.locks.Unlock(c.lockKey())

	c.mu.Lock()
	stale := c.gen != gen
	done := c.closed || c.disabled || c.closing.Load()
	ctx := c.baseCtx
	c.mu.Unlock()
	if stale || done || ctx == nil {
		return
	}
	c.log.Warn("gateway failure", logx.Int("code", code), logx.String("reason", reason))

	if code == CodeResume {
		err := c.startLocked(ctx, true)
		if err == nil {
			return
		}
		c.log.Warn("gateway resume failed", logx.Err(err))
	}
	c.reconnectLocked(ctx, reason)
}

// reconnectLocked opens brand-new sessions until one dial succeeds or the
// failure window is exceeded. Shutdown ends it without counting an attempt.
func (c *Conn) reconnectLocked(ctx context.Context, reason string) {
	c.clearSession()
	delay := c.cfg.RetryDelay
	for {
		if ctx.Err() != nil || c.closing.Load() {
			return
		}
		if !c.recordAttempt(time.Now()) {
			c.disable(fmt.Sprintf("gateway reconnect limit exceeded: %s", reason))
			return
		}
		err := c.startLocked(ctx, false)
		if err == nil || errors.Is(err, ErrClosed) || errors.Is(err, ErrDisabled) {
			return
		}
		c.log.Warn("gateway new connection failed", logx.Err(err), logx.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, time.Minute)
	}
}

// recordAttempt notes a new-connection attempt and reports whether it is
// still within the allowed rate.
func (c *Conn) recordAttempt(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := now.Add(-c.cfg.FailureWindow)
	kept := c.attempts[:0]
	for _, t := range c.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.attempts = append(kept, now)
	return len(c.attempts) <= c.cfg.FailureLimit
}

func (c *Conn) disable(reason string) {
	c.teardown()
	c.mu.Lock()
	already := c.disabled
	c.disabled = true
	c.mu.Unlock()
	c.state.Store(int32(StateError))
	if already {
		return
	}
	c.log.Error("gateway disabled", logx.String("reason", reason))
	if c.OnDisable != nil {
		c.OnDisable(reason)
	}
}

// Close tears the connection down. It is safe to call more than once.
// A reconnect loop in progress is cancelled before the account lock is taken.
func (c *Conn) Close() error {
	c.closing.Store(true)
	c.mu.Lock()
	if c.baseCancel != nil {
		c.baseCancel()
	}
	c.mu.Unlock()

	c.locks.Lock(c.lockKey())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.locks.Unlock(c.lockKey())
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.teardown()
	c.state.Store(int32(StateDisconnected))
	c.queue.Close()
	c.locks.Unlock(c.lockKey())
	c.wg.Wait()
	return nil
}

package pubsub

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"feedflow/internal/channel"
	"feedflow/internal/metrics"
	"feedflow/logger"
	"feedflow/models"
)

const (
	heartbeatInterval    = 30 * time.Second
	reconnectDelay       = 3 * time.Second
	maxReconnectAttempts = 5
	handshakeTimeout     = 10 * time.Second
	writeTimeout         = 10 * time.Second
)

var (
	// ErrNotConnected is returned by operations that need an open connection.
	ErrNotConnected = errors.New("pubsub: not connected")
	errSuperseded   = errors.New("pubsub: connection closed while connecting")
)

// Handler receives data frames whose pattern matches a registration.
// Implementations are used as map keys and must be comparable, which in
// practice means a pointer receiver.
type Handler interface {
	HandleFrame(frame models.Frame)
}

// Status is the connection state of the bus.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

type link struct {
	conn *websocket.Conn
	done chan struct{}
}

type reconnectRun struct {
	ctx    context.Context
	cancel context.CancelFunc
}

type connectAttempt struct {
	epoch uint64
	done  chan struct{}
	err   error
}

func (a *connectAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bus owns the single socket to the push server and fans inbound frames out
// to pattern handlers shared by every session.
type Bus struct {
	url    string
	notify *channel.Notifications
	log    *logger.Log

	heartbeatInterval time.Duration
	reconnectDelay    time.Duration
	maxAttempts       int

	mu         sync.Mutex
	status     Status
	credential string
	link       *link
	pending    *connectAttempt
	epoch      uint64
	reconnect  *reconnectRun

	writeMu sync.Mutex

	// subMu serializes subscribe/unsubscribe so the table and the wire agree.
	subMu sync.Mutex
	regMu sync.RWMutex
	table *patternTable
}

// New builds a disconnected bus for the push server at rawURL. notify may be nil.
func New(rawURL string, notify *channel.Notifications) *Bus {
	return &Bus{
		url:               rawURL,
		notify:            notify,
		log:               logger.GetLogger(),
		heartbeatInterval: heartbeatInterval,
		reconnectDelay:    reconnectDelay,
		maxAttempts:       maxReconnectAttempts,
		status:            StatusDisconnected,
		table:             newPatternTable(),
	}
}

// Status returns the current connection state.
func (b *Bus) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Patterns returns the patterns currently subscribed on the wire, sorted.
func (b *Bus) Patterns() []string {
	b.regMu.RLock()
	defer b.regMu.RUnlock()
	return b.table.patterns()
}

// Connect opens the connection if needed. Concurrent callers share the
// outcome of a single in-flight attempt.
func (b *Bus) Connect(ctx context.Context, credential string) error {
	b.mu.Lock()
	if b.status == StatusConnected {
		b.mu.Unlock()
		return nil
	}
	if a := b.pending; a != nil {
		b.mu.Unlock()
		return a.wait(ctx)
	}
	b.stopReconnectLocked()
	b.credential = credential
	a := b.beginAttemptLocked()
	b.mu.Unlock()

	if err := b.finishAttempt(ctx, a); err != nil {
		return err
	}
	b.emit(models.ConnectionEvent{Kind: models.EventConnected})
	return nil
}

func (b *Bus) beginAttemptLocked() *connectAttempt {
	a := &connectAttempt{epoch: b.epoch, done: make(chan struct{})}
	b.pending = a
	b.status = StatusConnecting
	return a
}

func (b *Bus) finishAttempt(ctx context.Context, a *connectAttempt) error {
	conn, err := b.dial(ctx, b.currentCredential())

	// Subscribe must not see the new link before the restore frame is sent.
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	b.pending = nil
	if err == nil && b.epoch != a.epoch {
		conn.Close()
		err = errSuperseded
	}
	if err != nil {
		b.status = StatusDisconnected
	} else {
		b.attachLocked(conn)
	}
	a.err = err
	close(a.done)
	b.mu.Unlock()

	if err != nil {
		return err
	}
	b.resubscribeLocked()
	return nil
}

func (b *Bus) currentCredential() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.credential
}

func (b *Bus) dial(ctx context.Context, credential string) (*websocket.Conn, error) {
	u, err := url.Parse(b.url)
	if err != nil {
		return nil, fmt.Errorf("parse push url: %w", err)
	}
	if credential != "" {
		q := u.Query()
		q.Set("token", credential)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial push server: %w", err)
	}

	if err := b.writeConn(conn, models.ControlFrame{Action: models.ActionSelectMode, Mode: models.ModePubSub}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("select pubsub mode: %w", err)
	}
	return conn, nil
}

func (b *Bus) attachLocked(conn *websocket.Conn) {
	l := &link{conn: conn, done: make(chan struct{})}
	b.link = l
	b.status = StatusConnected
	go b.readLoop(l)
	go b.heartbeat(l)

	b.log.WithComponent("pubsub").WithFields(logger.Fields{"url": b.url}).Info("connected to push server")
}

// Subscribe registers handler for every pattern. One subscribe frame carries
// the patterns that are new to the wire.
func (b *Bus) Subscribe(patterns []string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("pubsub: nil handler")
	}
	if len(patterns) == 0 {
		return nil
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()

	if b.Status() != StatusConnected {
		b.log.WithComponent("pubsub").WithFields(logger.Fields{"patterns": patterns}).Warn("subscribe while not connected")
		return ErrNotConnected
	}

	b.regMu.RLock()
	fresh := b.table.missing(patterns)
	b.regMu.RUnlock()

	if len(fresh) > 0 {
		if err := b.write(models.ControlFrame{Action: models.ActionSubscribe, Patterns: fresh}); err != nil {
			return fmt.Errorf("subscribe %v: %w", fresh, err)
		}
	}

	b.regMu.Lock()
	b.table.add(patterns, handler)
	b.regMu.Unlock()

	b.log.WithComponent("pubsub").WithFields(logger.Fields{
		"patterns": patterns,
		"new":      fresh,
	}).Info("handler subscribed")
	return nil
}

// Unsubscribe detaches handler. Patterns left without handlers are sent in one
// unsubscribe frame and forgotten.
func (b *Bus) Unsubscribe(patterns []string, handler Handler) error {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.regMu.Lock()
	emptied := b.table.remove(patterns, handler)
	b.regMu.Unlock()

	if len(emptied) == 0 {
		return nil
	}

	log := b.log.WithComponent("pubsub").WithFields(logger.Fields{"patterns": emptied})
	if b.Status() != StatusConnected {
		log.Debug("patterns released while disconnected")
		return nil
	}
	if err := b.write(models.ControlFrame{Action: models.ActionUnsubscribe, Patterns: emptied}); err != nil {
		log.WithError(err).Warn("failed to send unsubscribe frame")
		return fmt.Errorf("unsubscribe %v: %w", emptied, err)
	}
	log.Info("patterns unsubscribed")
	return nil
}

// resubscribeLocked sends every registered pattern. The caller holds subMu.
func (b *Bus) resubscribeLocked() {
	patterns := b.Patterns()
	if len(patterns) == 0 {
		return
	}
	log := b.log.WithComponent("pubsub").WithFields(logger.Fields{"patterns": patterns})
	if err := b.write(models.ControlFrame{Action: models.ActionSubscribe, Patterns: patterns}); err != nil {
		log.WithError(err).Warn("failed to restore subscriptions")
		return
	}
	log.Info("subscriptions restored")
}

// Disconnect closes the connection unless some pattern is still registered.
func (b *Bus) Disconnect() {
	b.regMu.RLock()
	active := b.table.len()
	b.regMu.RUnlock()

	if active > 0 {
		b.log.WithComponent("pubsub").WithFields(logger.Fields{"active_patterns": active}).Info("disconnect skipped: patterns still registered")
		return
	}
	b.closeLink()
}

// ForceDisconnect closes the connection and forgets every registration.
func (b *Bus) ForceDisconnect() {
	b.subMu.Lock()
	b.regMu.Lock()
	b.table.reset()
	b.regMu.Unlock()
	b.subMu.Unlock()

	b.closeLink()
}

func (b *Bus) closeLink() {
	b.mu.Lock()
	b.epoch++
	b.stopReconnectLocked()
	l := b.link
	b.link = nil
	b.status = StatusDisconnected
	b.mu.Unlock()

	if l == nil {
		return
	}

	b.writeMu.Lock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = l.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	b.writeMu.Unlock()
	l.conn.Close()

	b.log.WithComponent("pubsub").Info("disconnected from push server")
	b.emit(models.ConnectionEvent{Kind: models.EventDisconnected})
}

func (b *Bus) stopReconnectLocked() {
	if b.reconnect != nil {
		b.reconnect.cancel()
		b.reconnect = nil
	}
}

func (b *Bus) write(frame models.ControlFrame) error {
	b.mu.Lock()
	l := b.link
	b.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	return b.writeConn(l.conn, frame)
}

func (b *Bus) writeConn(conn *websocket.Conn, frame models.ControlFrame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

func (b *Bus) heartbeat(l *link) {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := b.writeConn(l.conn, models.ControlFrame{Action: models.ActionPing}); err != nil {
				b.log.WithComponent("pubsub").WithError(err).Warn("heartbeat failed")
			}
		}
	}
}

func (b *Bus) readLoop(l *link) {
	var readErr error
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		b.dispatch(raw)
	}
	close(l.done)
	b.handleDrop(l, readErr)
}

func (b *Bus) dispatch(raw []byte) {
	log := b.log.WithComponent("pubsub")

	frame, err := models.DecodeFrame(raw)
	if err != nil {
		log.WithError(err).Debug("dropping undecodable frame")
		metrics.EmitDropMetric(b.log, metrics.DropMetricFrame, "")
		return
	}

	switch frame.Type {
	case models.FrameData:
		pattern := frame.Pattern
		if pattern == "" {
			pattern = frame.Channel
		}
		b.regMu.RLock()
		handlers := b.table.match(pattern)
		b.regMu.RUnlock()
		for _, h := range handlers {
			b.invoke(h, frame)
		}
	case models.FrameError:
		log.WithFields(logger.Fields{"message": frame.Message}).Warn("push server reported an error")
		b.emit(models.ConnectionEvent{Kind: models.EventServerError, Message: frame.Message})
	default:
		log.WithFields(logger.Fields{"type": frame.Type, "patterns": frame.Patterns}).Debug("control frame received")
	}
}

func (b *Bus) invoke(h Handler, frame models.Frame) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithComponent("pubsub").WithFields(logger.Fields{
				"pattern": frame.Pattern,
				"channel": frame.Channel,
				"panic":   fmt.Sprint(r),
			}).Error("frame handler panicked")
		}
	}()
	h.HandleFrame(frame)
}

func (b *Bus) handleDrop(l *link, readErr error) {
	b.mu.Lock()
	if b.link != l {
		b.mu.Unlock()
		return
	}
	b.link = nil
	b.status = StatusDisconnected
	ctx, cancel := context.WithCancel(context.Background())
	run := &reconnectRun{ctx: ctx, cancel: cancel}
	b.reconnect = run
	b.mu.Unlock()

	b.log.WithComponent("pubsub").WithError(readErr).Warn("connection lost")
	b.emit(models.ConnectionEvent{Kind: models.EventDisconnected, Message: errString(readErr)})
	go b.reconnectLoop(run)
}

func (b *Bus) reconnectLoop(run *reconnectRun) {
	defer b.finishReconnect(run)
	ctx := run.ctx
	log := b.log.WithComponent("pubsub")

	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}
		b.emit(models.ConnectionEvent{Kind: models.EventReconnecting, Attempt: attempt})
		metrics.IncReconnectAttempt(b.log, attempt)

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.reconnectDelay):
		}

		b.mu.Lock()
		if ctx.Err() != nil || b.status == StatusConnected || b.pending != nil {
			b.mu.Unlock()
			return
		}
		a := b.beginAttemptLocked()
		b.mu.Unlock()

		if err := b.finishAttempt(ctx, a); err != nil {
			log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("reconnect attempt failed")
			continue
		}

		log.WithFields(logger.Fields{"attempt": attempt}).Info("reconnected to push server")
		b.emit(models.ConnectionEvent{Kind: models.EventReconnected, Attempt: attempt})
		return
	}

	if ctx.Err() != nil {
		return
	}
	log.WithFields(logger.Fields{"attempts": b.maxAttempts}).Error("giving up on reconnect")
	b.emit(models.ConnectionEvent{Kind: models.EventReconnectFailed, Attempt: b.maxAttempts})
}

func (b *Bus) finishReconnect(run *reconnectRun) {
	b.mu.Lock()
	if b.reconnect == run {
		b.reconnect = nil
	}
	b.mu.Unlock()
	run.cancel()
}

func (b *Bus) emit(evt models.ConnectionEvent) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	b.notify.SendLifecycle(evt)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"feedflow/internal/channel"
	"feedflow/internal/metrics"
	"feedflow/internal/pubsub"
	"feedflow/logger"
	"feedflow/models"
	"feedflow/writer"
)

const statsEvery = 100

var (
	// ErrAlreadyRunning is returned by Start on a running session.
	ErrAlreadyRunning = errors.New("session already running")
	// ErrNotRunning is returned by Stop on a session that is not running.
	ErrNotRunning = errors.New("session not running")
)

// Bus is the part of the connection bus a session needs.
type Bus interface {
	Connect(ctx context.Context, credential string) error
	Subscribe(patterns []string, handler pubsub.Handler) error
	Unsubscribe(patterns []string, handler pubsub.Handler) error
}

// SessionConfig holds everything needed to start one capture.
type SessionConfig struct {
	TaskID       string
	Credential   string
	Task         models.TaskConfig
	KlineSources []string
	Writer       writer.Options
}

// Session maps one source and symbol set onto a CSV writer.
type Session struct {
	cfg     SessionConfig
	bus     Bus
	notify  *channel.Notifications
	log     *logger.Log
	limiter *rate.Limiter

	fields  []string
	display map[string]string
	lookup  *fieldLookup
	symbols []symbolStrategy

	mu           sync.Mutex
	running      bool
	starting     bool
	startDone    chan struct{}
	writer       *writer.CSVWriter
	patterns     []string
	startedAt    time.Time
	stoppedAt    time.Time
	received     int64
	dropped      int64
	appendErrors int64
}

// NewSession builds an idle session. notify may be nil.
func NewSession(cfg SessionConfig, bus Bus, notify *channel.Notifications) *Session {
	display := cfg.Task.DisplayNames()
	return &Session{
		cfg:     cfg,
		bus:     bus,
		notify:  notify,
		log:     logger.GetLogger(),
		limiter: rate.NewLimiter(rate.Every(5*time.Second), 3),
		fields:  cfg.Task.FieldNames(),
		display: display,
		lookup:  newFieldLookup(display),
		symbols: symbolStrategies(cfg.Task.Source),
	}
}

// Start connects the bus, opens the writer and subscribes the patterns.
// A concurrent Stop waits until Start has returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.starting {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.starting = true
	done := make(chan struct{})
	s.startDone = done
	s.mu.Unlock()

	err := s.start(ctx)

	s.mu.Lock()
	s.starting = false
	s.startDone = nil
	s.mu.Unlock()
	close(done)
	return err
}

func (s *Session) start(ctx context.Context) error {
	task := s.cfg.Task
	log := s.log.WithComponent("session").WithFields(logger.Fields{
		"task_id": s.cfg.TaskID,
		"source":  task.Source,
	})

	if task.Source == "" {
		return fmt.Errorf("session: source is required")
	}
	if task.DestDir == "" {
		return fmt.Errorf("session: destination is required")
	}

	if err := s.bus.Connect(ctx, s.cfg.Credential); err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}

	startedAt := time.Now()
	w, err := writer.New(task.DestDir, s.fields, s.display, writer.Meta{
		TaskID:     s.cfg.TaskID,
		Source:     task.Source,
		SourceName: task.SourceName,
		Symbols:    task.Symbols,
		StartedAt:  startedAt,
	}, s.cfg.Writer)
	if err != nil {
		return fmt.Errorf("open writer: %w", err)
	}

	patterns := BuildPatterns(task.Source, task.Symbols, s.cfg.KlineSources)

	s.mu.Lock()
	s.writer = w
	s.patterns = patterns
	s.startedAt = startedAt
	s.stoppedAt = time.Time{}
	s.received = 0
	s.dropped = 0
	s.appendErrors = 0
	s.running = true
	s.mu.Unlock()

	if err := s.bus.Subscribe(patterns, s); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if cerr := w.Close(); cerr != nil {
			log.WithError(cerr).Warn("failed to close writer after subscribe error")
		}
		return fmt.Errorf("subscribe: %w", err)
	}

	log.WithFields(logger.Fields{
		"patterns": patterns,
		"dest":     task.DestDir,
		"fields":   len(s.fields),
	}).Info("session started")
	return nil
}

// Stop unsubscribes, closes the writer and returns the destination path. If a
// Start is in flight, Stop waits for it and then stops the session it opened.
func (s *Session) Stop() (string, error) {
	s.mu.Lock()
	for s.starting {
		done := s.startDone
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}
	if !s.running {
		s.mu.Unlock()
		return "", ErrNotRunning
	}
	s.running = false
	s.stoppedAt = time.Now()
	w := s.writer
	patterns := append([]string(nil), s.patterns...)
	received := s.received
	finalRate := s.rate(received, s.stoppedAt)
	s.mu.Unlock()

	log := s.log.WithComponent("session").WithFields(logger.Fields{
		"task_id": s.cfg.TaskID,
		"source":  s.cfg.Task.Source,
	})

	if err := s.bus.Unsubscribe(patterns, s); err != nil {
		log.WithError(err).Warn("unsubscribe failed")
	}

	w.UpdateStatus(received, finalRate)
	if err := w.Close(); err != nil {
		return w.DestDir(), fmt.Errorf("close writer: %w", err)
	}

	log.WithFields(logger.Fields{
		"received": received,
		"rows":     w.TotalRows(),
	}).Info("session stopped")
	return w.DestDir(), nil
}

// Cleanup stops the session if it is running. Errors are logged.
func (s *Session) Cleanup() {
	if _, err := s.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		s.log.WithComponent("session").WithError(err).WithField("task_id", s.cfg.TaskID).Warn("cleanup stop failed")
	}
}

// Running reports whether the session has started and not been stopped.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && !s.starting
}

// HandleFrame is invoked by the bus for every matching data frame.
func (s *Session) HandleFrame(frame models.Frame) {
	payload, err := frame.Payload()
	if err == nil {
		var record map[string]interface{}
		var shape payloadShape
		record, shape, err = normalizePayload(payload)
		if err == nil {
			s.handleRecord(frame, record, shape)
			return
		}
	}
	s.drop(frame, err)
}

func (s *Session) handleRecord(frame models.Frame, record map[string]interface{}, shape payloadShape) {
	symbol := resolveSymbol(s.symbols, record, frame.Channel)
	row := s.lookup.row(record, s.fields)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	w := s.writer
	s.mu.Unlock()

	err := w.AppendRow(symbol, row)
	if errors.Is(err, writer.ErrClosed) {
		return
	}

	s.mu.Lock()
	if err != nil {
		s.appendErrors++
	}
	s.received++
	push := s.received%statsEvery == 0
	var snap models.StatsSnapshot
	if push {
		snap = s.snapshotLocked(time.Now())
	}
	s.mu.Unlock()

	if err != nil {
		s.log.WithComponent("session").WithError(err).WithFields(logger.Fields{
			"task_id": s.cfg.TaskID,
			"symbol":  symbol,
			"shape":   shape.String(),
		}).Warn("append row failed")
	}
	metrics.IncFramesReceived(s.cfg.Task.Source)

	if push {
		snap.SymbolStats = w.Stats()
		s.notify.SendStats(context.Background(), snap)
		w.UpdateStatus(snap.TotalReceived, snap.DataRate)
	}
}

func (s *Session) drop(frame models.Frame, err error) {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()

	metrics.EmitDropMetric(s.log, metrics.DropMetricFrame, s.cfg.TaskID)
	if s.limiter.Allow() {
		s.log.WithComponent("session").WithError(err).WithFields(logger.Fields{
			"task_id": s.cfg.TaskID,
			"channel": frame.Channel,
		}).Warn("dropping malformed frame")
	}
}

func (s *Session) rate(received int64, now time.Time) float64 {
	elapsed := now.Sub(s.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(received) / elapsed
}

func (s *Session) snapshotLocked(now time.Time) models.StatsSnapshot {
	if !s.running && !s.stoppedAt.IsZero() {
		now = s.stoppedAt
	}
	snap := models.StatsSnapshot{
		TaskID:        s.cfg.TaskID,
		TotalReceived: s.received,
		DataRate:      s.rate(s.received, now),
		SymbolStats:   []models.SymbolCount{},
	}
	if !s.startedAt.IsZero() {
		snap.RunningTime = now.Sub(s.startedAt)
	}
	return snap
}

// Status returns a point-in-time view of the session.
func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	st := models.SessionStatus{
		StatsSnapshot: s.snapshotLocked(time.Now()),
		Running:       s.running && !s.starting,
		Patterns:      append([]string(nil), s.patterns...),
		DestDir:       s.cfg.Task.DestDir,
	}
	w := s.writer
	s.mu.Unlock()

	if w != nil {
		st.SymbolStats = w.Stats()
	}
	return st
}

// Output describes the files produced by the session, for archiving.
func (s *Session) Output() writer.ArchiveRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := writer.ArchiveRequest{
		TaskID: s.cfg.TaskID,
		Source: s.cfg.Task.Source,
		Fields: append([]string(nil), s.fields...),
	}
	if s.writer != nil {
		req.Files = s.writer.Files()
		req.InfoPath = s.writer.InfoPath()
	}
	return req
}

// Counters returns dropped frames and failed appends since Start.
func (s *Session) Counters() (dropped, appendErrors int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped, s.appendErrors
}

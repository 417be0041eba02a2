package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"feedflow/internal/channel"
	"feedflow/logger"
	"feedflow/models"
	"feedflow/processor"
	"feedflow/writer"
)

const archiveTimeout = 2 * time.Minute

// ErrTaskNotFound is returned for ids the registry does not hold.
var ErrTaskNotFound = errors.New("task not found")

// Archiver uploads the output of a stopped task.
type Archiver interface {
	Archive(ctx context.Context, req writer.ArchiveRequest) ([]string, error)
}

// Options configures every session the manager creates.
type Options struct {
	KlineSources []string
	Writer       writer.Options
	Archiver     Archiver
}

type entry struct {
	record  models.TaskRecord
	session *processor.Session
	cancel  context.CancelFunc
}

// Manager owns the in-process set of capture tasks.
type Manager struct {
	bus    processor.Bus
	notify *channel.Notifications
	opts   Options
	log    *logger.Log

	mu     sync.Mutex
	tasks  map[string]*entry
	starts sync.WaitGroup
}

// NewManager creates an empty registry. All sessions share bus.
func NewManager(bus processor.Bus, notify *channel.Notifications, opts Options) *Manager {
	return &Manager{
		bus:    bus,
		notify: notify,
		opts:   opts,
		log:    logger.GetLogger(),
		tasks:  make(map[string]*entry),
	}
}

// CreateTask records a task in the connecting state and starts its session in
// the background. Invalid configurations are rejected immediately.
func (m *Manager) CreateTask(credential string, cfg models.TaskConfig) (string, error) {
	if err := validateTask(cfg); err != nil {
		return "", err
	}

	id := uuid.NewString()
	session := processor.NewSession(processor.SessionConfig{
		TaskID:       id,
		Credential:   credential,
		Task:         cfg,
		KlineSources: m.opts.KlineSources,
		Writer:       m.opts.Writer,
	}, m.bus, m.notify)

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		record: models.TaskRecord{
			ID:        id,
			Config:    cfg,
			State:     models.TaskConnecting,
			CreatedAt: time.Now(),
			DestPath:  cfg.DestDir,
		},
		session: session,
		cancel:  cancel,
	}

	m.mu.Lock()
	m.tasks[id] = e
	m.starts.Add(1)
	m.mu.Unlock()

	m.log.WithComponent("task_manager").WithFields(logger.Fields{
		"task_id": id,
		"source":  cfg.Source,
		"symbols": len(cfg.Symbols),
	}).Info("task created")

	go m.start(ctx, e)
	return id, nil
}

func validateTask(cfg models.TaskConfig) error {
	if strings.TrimSpace(cfg.Source) == "" {
		return fmt.Errorf("task: source is required")
	}
	if strings.TrimSpace(cfg.DestDir) == "" {
		return fmt.Errorf("task: destination directory is required")
	}
	return nil
}

func (m *Manager) start(ctx context.Context, e *entry) {
	defer m.starts.Done()
	defer e.cancel()

	log := m.log.WithComponent("task_manager").WithField("task_id", e.record.ID)
	err := e.session.Start(ctx)

	m.mu.Lock()
	current, ok := m.tasks[e.record.ID]
	abandoned := !ok || current != e || e.record.State != models.TaskConnecting
	if !abandoned {
		if err != nil {
			e.record.State = models.TaskError
			e.record.Error = err.Error()
		} else {
			e.record.State = models.TaskRunning
		}
	}
	m.mu.Unlock()

	switch {
	case abandoned:
		e.session.Cleanup()
		log.Info("task removed while starting")
	case err != nil:
		log.WithError(err).Error("task failed to start")
	default:
		log.Info("task running")
	}
}

// StopTask stops a running task and archives its output when archiving is
// configured.
func (m *Manager) StopTask(id string) error {
	m.mu.Lock()
	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("stop %s: %w", id, ErrTaskNotFound)
	}
	if e.record.State == models.TaskConnecting {
		e.record.State = models.TaskStopped
		e.record.StoppedAt = time.Now()
		e.cancel()
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	return m.stop(e)
}

func (m *Manager) stop(e *entry) error {
	dest, err := e.session.Stop()
	if err != nil {
		if !errors.Is(err, processor.ErrNotRunning) {
			m.mu.Lock()
			e.record.State = models.TaskError
			e.record.Error = err.Error()
			m.mu.Unlock()
		}
		return fmt.Errorf("stop %s: %w", e.record.ID, err)
	}

	m.mu.Lock()
	e.record.State = models.TaskStopped
	e.record.StoppedAt = time.Now()
	e.record.DestPath = dest
	m.mu.Unlock()

	m.archive(e)
	return nil
}

func (m *Manager) archive(e *entry) {
	if m.opts.Archiver == nil {
		return
	}
	log := m.log.WithComponent("task_manager").WithField("task_id", e.record.ID)

	req := e.session.Output()
	if len(req.Files) == 0 {
		log.Debug("nothing to archive")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	keys, err := m.opts.Archiver.Archive(ctx, req)
	if err != nil {
		log.WithError(err).WithField("uploaded", len(keys)).Error("archive failed")
		return
	}
	log.WithField("objects", len(keys)).Info("task output archived")
}

// DisconnectTask stops a task if needed and removes it from the registry.
func (m *Manager) DisconnectTask(id string) error {
	m.mu.Lock()
	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("disconnect %s: %w", id, ErrTaskNotFound)
	}
	delete(m.tasks, id)
	e.cancel()
	m.mu.Unlock()

	var stopErr error
	if e.session.Running() {
		if err := m.stop(e); err != nil {
			stopErr = err
		}
	}
	e.session.Cleanup()

	m.log.WithComponent("task_manager").WithField("task_id", id).Info("task disconnected")
	return stopErr
}

// GetAllTasks returns every task ordered by creation time.
func (m *Manager) GetAllTasks() []models.TaskRecord {
	m.mu.Lock()
	out := make([]models.TaskRecord, 0, len(m.tasks))
	for _, e := range m.tasks {
		out = append(out, e.record)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetTask returns the stored record with the live session status attached.
func (m *Manager) GetTask(id string) (models.TaskRecord, error) {
	m.mu.Lock()
	e, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return models.TaskRecord{}, fmt.Errorf("get %s: %w", id, ErrTaskNotFound)
	}
	record := e.record
	m.mu.Unlock()

	status := e.session.Status()
	record.Status = &status
	return record, nil
}

// StopAllTasks stops every running session, cleans up all of them and empties
// the registry. Failures are logged and do not stop the sweep.
func (m *Manager) StopAllTasks() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.tasks))
	for id, e := range m.tasks {
		entries = append(entries, e)
		delete(m.tasks, id)
		e.cancel()
	}
	m.mu.Unlock()

	log := m.log.WithComponent("task_manager")
	for _, e := range entries {
		if e.session.Running() {
			if err := m.stop(e); err != nil {
				log.WithError(err).WithField("task_id", e.record.ID).Warn("failed to stop task during shutdown")
			}
		}
		e.session.Cleanup()
	}

	m.starts.Wait()

	if len(entries) > 0 {
		log.WithField("tasks", len(entries)).Info("all tasks stopped")
	}
}

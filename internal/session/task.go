package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrManagerClosed is returned by Go after Close has begun.
var ErrManagerClosed = errors.New("task manager closed")

// Manager owns the background tasks spawned for stream-side work such as
// finalization. Every task gets a unique id and a context cancelled when
// the session's abort signal fires or the manager shuts down; the request
// context is unsuitable because it dies the moment the handler returns.
type Manager struct {
	logger *slog.Logger

	mu     sync.Mutex
	tasks  map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewManager returns an empty task manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger, tasks: make(map[string]context.CancelFunc)}
}

// Go runs fn on its own goroutine and returns the task id. The abort
// channel, when closed, cancels the task's context; a nil channel means the
// task runs to completion unless the manager closes first.
func (m *Manager) Go(name string, abort <-chan struct{}, fn func(ctx context.Context)) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.Must(uuid.NewV7()).String()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", ErrManagerClosed
	}
	m.tasks[id] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.finish(id, cancel)

		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-abort:
				m.logger.Debug("task cancelled by client abort", "task", name, "id", id)
				cancel()
			case <-done:
			}
		}()

		m.logger.Debug("task started", "task", name, "id", id)
		fn(ctx)
		m.logger.Debug("task finished", "task", name, "id", id)
	}()
	return id, nil
}

// finish releases the task's registration. Safe to call more than once.
func (m *Manager) finish(id string, cancel context.CancelFunc) {
	cancel()
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
}

// Len reports how many tasks are currently running.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Shutdown stops accepting tasks and waits for the running ones. Tasks
// still running when ctx expires are cancelled and waited for; finalization
// work carries billing, so it is only cut short on a deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.tasks))
	for _, c := range m.tasks {
		cancels = append(cancels, c)
	}
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	<-done
	return ctx.Err()
}

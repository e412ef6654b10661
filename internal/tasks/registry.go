// ABOUTME: Thread-safe registry of request lifecycle tasks with bounded retention.
// ABOUTME: Terminal tasks are pruned after a retention window; the registry is capped oldest-first.

package tasks

import (
	"container/list"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued          Status = "queued"
	StatusRunning         Status = "running"
	StatusPendingApproval Status = "pending_approval"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusPendingApproval, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

var (
	// ErrNotFound indicates the task id is unknown or already pruned.
	ErrNotFound = errors.New("task not found")
	// ErrTerminal indicates a transition was attempted on a completed or failed task.
	ErrTerminal = errors.New("task already terminal")
)

// Task is a snapshot of one request lifecycle.
type Task struct {
	ID          string    `json:"taskId"`
	SessionID   string    `json:"sessionId"`
	RunID       string    `json:"runId,omitempty"`
	Intent      string    `json:"intent,omitempty"`
	Status      Status    `json:"status"`
	ProgressPct int       `json:"progressPct"`
	Stage       string    `json:"stage"`
	Route       string    `json:"route,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// NewTask describes a task to create.
type NewTask struct {
	SessionID string
	RunID     string
	Intent    string
	Route     string
}

// Update is one lifecycle transition.
type Update struct {
	Status      Status
	ProgressPct int
	Stage       string
	Error       string
}

type entry struct {
	task     Task
	element  *list.Element // position in order
	terminal *list.Element // position in done, nil until terminal
}

// Registry stores tasks by id. All methods are safe for concurrent use and return
// value snapshots.
type Registry struct {
	mu         sync.Mutex
	tasks      map[string]*entry
	order      *list.List // task ids, oldest created at front
	done       *list.List // terminal task ids, oldest terminal at front
	maxEntries int
	retention  time.Duration
	now        func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry holding at most maxEntries tasks and keeping terminal tasks
// for retention.
func New(maxEntries int, retention time.Duration, opts ...Option) *Registry {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	r := &Registry{
		tasks:      make(map[string]*entry),
		order:      list.New(),
		done:       list.New(),
		maxEntries: maxEntries,
		retention:  retention,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a queued task at stage received.
func (r *Registry) Create(nt NewTask) Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)
	for len(r.tasks) >= r.maxEntries {
		r.evictOldestLocked()
	}

	t := Task{
		ID:          uuid.New().String(),
		SessionID:   nt.SessionID,
		RunID:       nt.RunID,
		Intent:      nt.Intent,
		Status:      StatusQueued,
		ProgressPct: 35,
		Stage:       "received",
		Route:       nt.Route,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e := &entry{task: t}
	e.element = r.order.PushBack(t.ID)
	r.tasks[t.ID] = e
	return t
}

// Advance applies a transition and returns the new snapshot.
func (r *Registry) Advance(id string, u Update) (Task, error) {
	if !u.Status.valid() {
		return Task{}, fmt.Errorf("unknown task status %q", u.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.pruneLocked(now)

	e, ok := r.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.task.Status.Terminal() {
		return e.task, fmt.Errorf("%w: %s is %s", ErrTerminal, id, e.task.Status)
	}

	e.task.Status = u.Status
	e.task.ProgressPct = clampPct(u.ProgressPct)
	if u.Stage != "" {
		e.task.Stage = u.Stage
	}
	if u.Error != "" {
		e.task.Error = u.Error
	}
	e.task.UpdatedAt = now
	if u.Status.Terminal() {
		e.terminal = r.done.PushBack(id)
	}
	return e.task, nil
}

// Get returns the task snapshot for id.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	e, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return e.task, true
}

// Active returns every non-terminal task, oldest first.
func (r *Registry) Active() []Task {
	return r.list(func(t Task) bool { return !t.Status.Terminal() })
}

// All returns every retained task, oldest first.
func (r *Registry) All() []Task {
	return r.list(func(Task) bool { return true })
}

// Len returns the number of retained tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.now())
	return len(r.tasks)
}

func (r *Registry) list(keep func(Task) bool) []Task {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	out := make([]Task, 0, len(r.tasks))
	for el := r.order.Front(); el != nil; el = el.Next() {
		id, _ := el.Value.(string)
		if t := r.tasks[id].task; keep(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// pruneLocked drops terminal tasks whose retention has elapsed.
func (r *Registry) pruneLocked(now time.Time) {
	for el := r.done.Front(); el != nil; el = r.done.Front() {
		id, _ := el.Value.(string)
		e := r.tasks[id]
		if e == nil {
			r.done.Remove(el)
			continue
		}
		if now.Sub(e.task.UpdatedAt) < r.retention {
			return
		}
		r.removeLocked(id)
	}
}

func (r *Registry) evictOldestLocked() {
	front := r.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) {
	e, ok := r.tasks[id]
	if !ok {
		return
	}
	r.order.Remove(e.element)
	if e.terminal != nil {
		r.done.Remove(e.terminal)
	}
	delete(r.tasks, id)
}

func clampPct(p int) int {
	return min(max(p, 0), 100)
}

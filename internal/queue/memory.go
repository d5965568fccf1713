package queue

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memoryTask struct {
	Delivery
	runAt       time.Time
	leasedUntil time.Time
	lastError   string
	done        bool
	dead        bool
}

// MemoryBroker keeps tasks in process. It backs tests and single-node runs
// where losing queued work on restart is acceptable.
type MemoryBroker struct {
	mu     sync.Mutex
	tasks  map[string]*memoryTask
	nextID int
	now    func() time.Time
}

// NewMemoryBroker returns an empty broker. now may be nil.
func NewMemoryBroker(now func() time.Time) *MemoryBroker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryBroker{tasks: make(map[string]*memoryTask), now: now}
}

func (b *MemoryBroker) Enqueue(_ context.Context, t Task) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.tasks[t.Name]; exists {
		return false, nil
	}
	b.nextID++
	now := b.now()
	b.tasks[t.Name] = &memoryTask{
		Delivery: Delivery{
			ID:              strconv.Itoa(b.nextID),
			Name:            t.Name,
			Queue:           t.Queue,
			Payload:         t.Payload,
			FirstEnqueuedAt: now,
		},
		runAt: now.Add(t.Delay),
	}
	return true, nil
}

func (b *MemoryBroker) Claim(_ context.Context, queue string, limit int, lease time.Duration) ([]Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	due := make([]*memoryTask, 0)
	for _, t := range b.tasks {
		if t.Queue != queue || t.done || t.dead || t.runAt.After(now) || t.leasedUntil.After(now) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].runAt.Before(due[j].runAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Delivery, 0, len(due))
	for _, t := range due {
		t.Attempts++
		t.leasedUntil = now.Add(lease)
		out = append(out, t.Delivery)
	}
	return out, nil
}

func (b *MemoryBroker) Ack(_ context.Context, d Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[d.Name]; ok {
		t.done = true
		t.leasedUntil = time.Time{}
	}
	return nil
}

func (b *MemoryBroker) Retry(_ context.Context, d Delivery, runAt time.Time, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[d.Name]; ok {
		t.runAt = runAt
		t.leasedUntil = time.Time{}
		t.lastError = reason
	}
	return nil
}

func (b *MemoryBroker) DeadLetter(_ context.Context, d Delivery, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tasks[d.Name]; ok {
		t.dead = true
		t.leasedUntil = time.Time{}
		t.lastError = reason
	}
	return nil
}

// Pending returns the undelivered tasks of queue ordered by due time.
func (b *MemoryBroker) Pending(queue string) []Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	type entry struct {
		task  Task
		runAt time.Time
	}
	entries := make([]entry, 0)
	for _, t := range b.tasks {
		if t.Queue != queue || t.done || t.dead {
			continue
		}
		entries = append(entries, entry{
			task:  Task{Name: t.Name, Queue: t.Queue, Payload: t.Payload, Delay: t.runAt.Sub(now)},
			runAt: t.runAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].runAt.Equal(entries[j].runAt) {
			return entries[i].task.Name < entries[j].task.Name
		}
		return entries[i].runAt.Before(entries[j].runAt)
	})
	out := make([]Task, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.task)
	}
	return out
}

// Dead returns the names of dead-lettered tasks with their last error.
func (b *MemoryBroker) Dead() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string)
	for name, t := range b.tasks {
		if t.dead {
			out[name] = t.lastError
		}
	}
	return out
}

var _ Broker = (*MemoryBroker)(nil)

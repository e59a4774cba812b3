// Package queue holds the stores whose last sync pass failed and decides
// when each may be retried, with exponential backoff.
package queue

import (
	"sync"
	"time"

	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/logging"
	"github.com/kimhsiao/studysync/internal/uuid"
)

// Status is the state of a queued retry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusFailed     Status = "failed"
)

// DefaultMaxRetries is the number of failed attempts after which a store
// stays failed until RetryAll or a successful pass.
const DefaultMaxRetries = 5

// maxBackoff caps the delay between attempts.
const maxBackoff = time.Hour

// Item is a store waiting for another sync attempt.
type Item struct {
	ID          string
	Store       string
	RetryCount  int
	MaxRetries  int
	NextRetryAt int64 // unix ms
	Status      Status
	CreatedAt   int64
	UpdatedAt   int64
	LastError   string
}

// RetryQueue holds at most one item per store.
type RetryQueue struct {
	mu         sync.RWMutex
	items      map[string]*Item
	base       time.Duration
	maxRetries int
	now        func() time.Time
}

// New creates a queue whose first retry waits base. Each further failure
// doubles the delay, up to an hour.
func New(base time.Duration, maxRetries int) *RetryQueue {
	if base <= 0 {
		base = time.Minute
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &RetryQueue{
		items:      make(map[string]*Item),
		base:       base,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// Backoff returns the delay before attempt retryCount+1.
func Backoff(base time.Duration, retryCount int) time.Duration {
	if retryCount > 30 {
		return maxBackoff
	}
	d := base << uint(retryCount)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Failed records a failed pass of store and schedules the next attempt. It
// returns an error once the store has used up its retries.
func (q *RetryQueue) Failed(store string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	item, ok := q.items[store]
	if !ok {
		item = &Item{
			ID:         uuid.New(),
			Store:      store,
			MaxRetries: q.maxRetries,
			CreatedAt:  now.UnixMilli(),
		}
		q.items[store] = item
	}

	item.RetryCount++
	item.UpdatedAt = now.UnixMilli()
	if cause != nil {
		item.LastError = cause.Error()
	}

	if item.RetryCount >= item.MaxRetries {
		item.Status = StatusFailed
		logging.Warn("sync retries exhausted", map[string]interface{}{
			"store":   store,
			"retries": item.RetryCount,
			"error":   item.LastError,
		})
		return errors.Newf(errors.ErrSyncFailed, "sync of %s failed %d times", store, item.RetryCount)
	}

	delay := Backoff(q.base, item.RetryCount-1)
	item.NextRetryAt = now.Add(delay).UnixMilli()
	item.Status = StatusPending

	logging.Info("sync retry scheduled", map[string]interface{}{
		"store":       store,
		"retry":       item.RetryCount,
		"max_retries": item.MaxRetries,
		"delay_ms":    delay.Milliseconds(),
	})
	return nil
}

// Due returns the stores whose retry time has come and marks them in
// progress.
func (q *RetryQueue) Due() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UnixMilli()
	var out []string
	for store, item := range q.items {
		if item.Status == StatusPending && item.NextRetryAt <= now {
			item.Status = StatusInProgress
			item.UpdatedAt = now
			out = append(out, store)
		}
	}
	return out
}

// Complete removes store after a successful pass.
func (q *RetryQueue) Complete(store string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[store]; ok {
		delete(q.items, store)
		logging.Debug("sync retry cleared", map[string]interface{}{"store": store})
	}
}

// Get returns a copy of the item of store.
func (q *RetryQueue) Get(store string) (*Item, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	item, ok := q.items[store]
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "no retry queued for %s", store)
	}
	copy := *item
	return &copy, nil
}

// List returns copies of every item.
func (q *RetryQueue) List() []*Item {
	q.mu.RLock()
	defer q.mu.RUnlock()

	items := make([]*Item, 0, len(q.items))
	for _, item := range q.items {
		copy := *item
		items = append(items, &copy)
	}
	return items
}

// Size returns the number of queued stores.
func (q *RetryQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Clear removes every item.
func (q *RetryQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(map[string]*Item)
}

// RetryAll makes every failed store due again with a fresh retry budget.
func (q *RetryQueue) RetryAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UnixMilli()
	count := 0
	for _, item := range q.items {
		if item.Status == StatusFailed {
			item.Status = StatusPending
			item.RetryCount = 0
			item.NextRetryAt = now
			item.LastError = ""
			item.UpdatedAt = now
			count++
		}
	}
	if count > 0 {
		logging.Info("failed stores reset for retry", map[string]interface{}{"count": count})
	}
	return count
}

// Stats counts items by status.
func (q *RetryQueue) Stats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := map[string]int{
		"total":       0,
		"pending":     0,
		"in_progress": 0,
		"failed":      0,
	}
	for _, item := range q.items {
		stats["total"]++
		stats[string(item.Status)]++
	}
	return stats
}

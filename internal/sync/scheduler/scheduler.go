// Package scheduler runs sync passes in the background: periodically, after
// local edits, and again with backoff when a pass fails transiently.
package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/logging"
	syncpkg "github.com/kimhsiao/studysync/internal/sync"
	"github.com/kimhsiao/studysync/internal/sync/queue"
)

// passTimeout bounds a single background pass.
const passTimeout = 5 * time.Minute

// Syncer runs sync passes. *syncpkg.Manager implements it.
type Syncer interface {
	Stores() []string
	Sync(ctx context.Context, store string) (*syncpkg.Result, error)
	SyncAll(ctx context.Context) (map[string]*syncpkg.Result, error)
	Status(ctx context.Context) ([]*syncpkg.Status, error)
}

// Config holds scheduler configuration.
type Config struct {
	SyncInterval  time.Duration // periodic pass over every store
	RetryInterval time.Duration // first retry delay and retry poll interval
	MaxRetries    int
	SyncOnStart   bool

	// WatchDir is the data directory. When set, writes to the files named in
	// WatchFiles (file name to store name) trigger a pass of that store, at
	// most once per WatchRate.
	WatchDir   string
	WatchFiles map[string]string
	WatchRate  time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  15 * time.Minute,
		RetryInterval: time.Minute,
		MaxRetries:    queue.DefaultMaxRetries,
		WatchRate:     30 * time.Second,
	}
}

// Scheduler manages background sync passes.
type Scheduler struct {
	syncer  Syncer
	retries *queue.RetryQueue
	cfg     Config
	limiter *rate.Limiter

	// lifecycle serializes Start and Stop. stopCh is replaced on every Start.
	lifecycle sync.Mutex
	stopCh    chan struct{}
	kick      chan struct{}
	wg        sync.WaitGroup

	mu           sync.RWMutex
	isRunning    bool
	isOnline     bool
	lastSyncTime time.Time
	running      map[string]bool
	dirty        map[string]bool
}

// Status is the current state of the scheduler.
type Status struct {
	IsRunning    bool           `json:"is_running"`
	IsOnline     bool           `json:"is_online"`
	LastSyncTime *time.Time     `json:"last_sync_time,omitempty"`
	Running      []string       `json:"running,omitempty"`
	Retries      []*queue.Item  `json:"retries,omitempty"`
	RetryStats   map[string]int `json:"retry_stats"`
}

// New creates a Scheduler.
func New(syncer Syncer, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	def := DefaultConfig()
	if c.SyncInterval <= 0 {
		c.SyncInterval = def.SyncInterval
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = def.RetryInterval
	}
	if c.WatchRate <= 0 {
		c.WatchRate = def.WatchRate
	}

	return &Scheduler{
		syncer:   syncer,
		retries:  queue.New(c.RetryInterval, c.MaxRetries),
		cfg:      c,
		limiter:  rate.NewLimiter(rate.Every(c.WatchRate), 1),
		kick:     make(chan struct{}, 1),
		isOnline: true,
		running:  make(map[string]bool),
		dirty:    make(map[string]bool),
	}
}

// Retries returns the retry queue.
func (s *Scheduler) Retries() *queue.RetryQueue {
	return s.retries
}

// Start starts the background loops. It fails only when the data
// directory cannot be watched. A stopped scheduler can be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.IsRunning() {
		return nil
	}

	var watcher *fsnotify.Watcher
	if s.cfg.WatchDir != "" {
		var err error
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return errors.Wrap(errors.ErrInternal, "failed to create file watcher", err)
		}
		if err := watcher.Add(s.cfg.WatchDir); err != nil {
			watcher.Close()
			return errors.Wrap(errors.ErrInternal, "failed to watch data dir", err)
		}
	}

	stop := make(chan struct{})
	s.mu.Lock()
	s.stopCh = stop
	s.isRunning = true
	s.mu.Unlock()

	if watcher != nil {
		s.wg.Add(2)
		go s.watchLoop(ctx, stop, watcher)
		go s.flushLoop(ctx, stop)
	}

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx, stop)
	go s.retryLoop(ctx, stop)

	logging.Info("background sync scheduler started", map[string]interface{}{
		"interval_s": s.cfg.SyncInterval.Seconds(),
		"watching":   s.cfg.WatchDir != "",
	})
	return nil
}

// Stop stops the background loops and waits for passes started by them.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	stop := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()

	close(stop)
	s.wg.Wait()

	logging.Info("background sync scheduler stopped", nil)
}

// SetOnlineStatus changes the online status. Offline, no pass is started;
// retries keep their schedule and run once back online.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline != isOnline {
		logging.Info("online status changed", map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})
		if isOnline {
			s.retries.RetryAll()
		}
	}
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) periodicSyncLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	if s.cfg.SyncOnStart {
		s.SyncAll(ctx)
	}

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}

func (s *Scheduler) retryLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			s.processRetries(ctx, stop)
		}
	}
}

// processRetries runs a pass for every store whose retry is due.
func (s *Scheduler) processRetries(ctx context.Context, stop <-chan struct{}) {
	if !s.IsOnline() {
		return
	}
	for _, store := range s.retries.Due() {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}
		s.runStore(ctx, store)
	}
}

// SyncAll runs a pass over every store and queues the stores that failed
// transiently. It does nothing while offline.
func (s *Scheduler) SyncAll(ctx context.Context) {
	if !s.IsOnline() {
		logging.Debug("skipping sync while offline", nil)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, passTimeout)
	defer cancel()

	results, err := s.syncer.SyncAll(ctx)
	for _, store := range s.syncer.Stores() {
		if _, ok := results[store]; ok {
			s.retries.Complete(store)
			continue
		}
		if err != nil {
			s.failed(store, err)
		}
	}
	if err != nil {
		logging.ErrorWithCode("periodic sync failed", string(errors.CodeOf(err)), err, nil)
		return
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	logging.Info("periodic sync completed", map[string]interface{}{"stores": len(results)})
}

// TriggerSync starts a pass of store in the background. It returns false
// when a pass of that store started by the scheduler is still running.
func (s *Scheduler) TriggerSync(ctx context.Context, store string) bool {
	s.mu.RLock()
	busy := s.running[store]
	s.mu.RUnlock()
	if busy {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runStore(ctx, store)
	}()
	return true
}

// TriggerSyncAll starts a pass over every store in the background.
func (s *Scheduler) TriggerSyncAll(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.SyncAll(ctx)
	}()
}

// runStore runs one pass of store and updates the retry queue.
func (s *Scheduler) runStore(ctx context.Context, store string) {
	if !s.IsOnline() {
		return
	}

	s.mu.Lock()
	if s.running[store] {
		s.mu.Unlock()
		return
	}
	s.running[store] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, store)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, passTimeout)
	defer cancel()

	res, err := s.syncer.Sync(ctx, store)
	if err != nil {
		if errors.Is(err, errors.ErrSyncInProgress) {
			return
		}
		s.failed(store, err)
		return
	}
	s.retries.Complete(store)

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	logging.Debug("background pass completed", map[string]interface{}{
		"store":      store,
		"downloaded": res.Downloaded,
		"uploaded":   res.Uploaded,
		"conflicts":  res.Conflicts,
	})
}

// failed queues store for a retry when err is transient.
func (s *Scheduler) failed(store string, err error) {
	if !errors.IsRetryable(err) {
		s.retries.Complete(store)
		return
	}
	if qerr := s.retries.Failed(store, err); qerr != nil {
		logging.ErrorWithCode("giving up on store", string(errors.CodeOf(qerr)), qerr,
			map[string]interface{}{"store": store})
	}
}

// watchLoop marks stores dirty when their database files change.
func (s *Scheduler) watchLoop(ctx context.Context, stop <-chan struct{}, watcher *fsnotify.Watcher) {
	defer s.wg.Done()
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			store, ok := s.storeOf(event.Name)
			if !ok {
				continue
			}
			s.mu.Lock()
			s.dirty[store] = true
			s.mu.Unlock()
			select {
			case s.kick <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("file watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

// storeOf maps a database, WAL or journal file to its store.
func (s *Scheduler) storeOf(path string) (string, bool) {
	name := filepath.Base(path)
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		name = strings.TrimSuffix(name, suffix)
	}
	store, ok := s.cfg.WatchFiles[name]
	return store, ok
}

// flushLoop runs a pass of dirty stores that have unpushed changes, rate
// limited. Passes applying remote changes leave nothing pending, so they do
// not trigger further passes.
func (s *Scheduler) flushLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-s.kick:
		}

		waitCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-stop:
				cancel()
			case <-waitCtx.Done():
			}
		}()
		err := s.limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			return
		}

		s.mu.Lock()
		dirty := s.dirty
		s.dirty = make(map[string]bool)
		s.mu.Unlock()

		s.flush(ctx, dirty)
	}
}

func (s *Scheduler) flush(ctx context.Context, dirty map[string]bool) {
	if len(dirty) == 0 || !s.IsOnline() {
		return
	}
	statuses, err := s.syncer.Status(ctx)
	if err != nil {
		logging.Warn("failed to read sync status", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, st := range statuses {
		if !dirty[st.Store] || st.Pending == 0 || !st.SignedIn {
			continue
		}
		logging.Debug("local changes pending", map[string]interface{}{
			"store":   st.Store,
			"pending": st.Pending,
		})
		s.runStore(ctx, st.Store)
	}
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	status := Status{
		IsRunning: s.isRunning,
		IsOnline:  s.isOnline,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	for store := range s.running {
		status.Running = append(status.Running, store)
	}
	s.mu.RUnlock()

	status.Retries = s.retries.List()
	status.RetryStats = s.retries.Stats()
	return status
}

package sync

import (
	"context"
	stdsync "sync"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/studysync/internal/cloud"
	"github.com/kimhsiao/studysync/internal/db"
	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/logging"
	"github.com/kimhsiao/studysync/internal/notify"
)

// Manager owns one Accessor per syncable store and the provider session
// they share. Signing out cancels every pass in flight.
type Manager struct {
	adapter   cloud.Adapter
	accessors map[string]*Accessor
	order     []string

	mu      stdsync.Mutex
	session context.Context
	cancel  context.CancelFunc
}

// NewManager creates accessors for the syncable stores of reg. It fails with
// INVALID_INPUT when opts.Device is not a v4 UUID.
func NewManager(reg *db.Registry, adapter cloud.Adapter, hub *notify.Hub, opts Options) (*Manager, error) {
	m := &Manager{
		adapter:   adapter,
		accessors: make(map[string]*Accessor),
	}
	for _, def := range reg.Definitions() {
		if !def.Syncable() {
			continue
		}
		a, err := NewAccessor(reg, def, adapter, hub, opts)
		if err != nil {
			return nil, err
		}
		m.accessors[def.Name] = a
		m.order = append(m.order, def.Name)
	}
	m.session, m.cancel = context.WithCancel(context.Background())
	return m, nil
}

// Stores returns the syncable store names in registry order.
func (m *Manager) Stores() []string {
	return append([]string(nil), m.order...)
}

// Accessor returns the accessor of a store.
func (m *Manager) Accessor(store string) (*Accessor, error) {
	a, ok := m.accessors[store]
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "store %q does not sync", store)
	}
	return a, nil
}

// bind derives a context that is also cancelled when the current session
// ends.
func (m *Manager) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	m.mu.Lock()
	session := m.session
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(session, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Sync runs one pass on a store.
func (m *Manager) Sync(ctx context.Context, store string) (*Result, error) {
	a, err := m.Accessor(store)
	if err != nil {
		return nil, err
	}
	ctx, cancel := m.bind(ctx)
	defer cancel()
	return a.Sync(ctx)
}

// SyncAll runs a pass on every syncable store concurrently. Every store is
// attempted; the first error is returned alongside the results of the
// stores that succeeded.
func (m *Manager) SyncAll(ctx context.Context) (map[string]*Result, error) {
	ctx, cancel := m.bind(ctx)
	defer cancel()

	var (
		g   errgroup.Group
		mu  stdsync.Mutex
		out = make(map[string]*Result, len(m.order))
	)
	for _, name := range m.order {
		a := m.accessors[name]
		g.Go(func() error {
			res, err := a.Sync(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			out[a.Store()] = res
			mu.Unlock()
			return nil
		})
	}
	return out, g.Wait()
}

// SignIn starts a provider session.
func (m *Manager) SignIn(ctx context.Context, in cloud.Interaction) (bool, error) {
	ok, err := m.adapter.SignIn(ctx, in)
	if err != nil || !ok {
		return ok, err
	}
	m.mu.Lock()
	if m.session.Err() != nil {
		m.session, m.cancel = context.WithCancel(context.Background())
	}
	m.mu.Unlock()
	logging.Info("signed in to sync provider", map[string]interface{}{"provider": m.adapter.Name()})
	return true, nil
}

// SignOut cancels every running pass and ends the provider session.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	m.cancel()
	m.session, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	if err := m.adapter.SignOut(ctx); err != nil {
		return err
	}
	logging.Info("signed out of sync provider", map[string]interface{}{"provider": m.adapter.Name()})
	return nil
}

// ResetSync resets the sync state of a store.
func (m *Manager) ResetSync(ctx context.Context, store string) error {
	a, err := m.Accessor(store)
	if err != nil {
		return err
	}
	return a.ResetSync(ctx)
}

// Status reports the sync state of every syncable store.
func (m *Manager) Status(ctx context.Context) ([]*Status, error) {
	out := make([]*Status, 0, len(m.order))
	for _, name := range m.order {
		st, err := m.accessors[name].Status(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Close cancels any pass in flight.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
}

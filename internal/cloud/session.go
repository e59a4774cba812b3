package cloud

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Session is the signed-in state of a provider, persisted as a small JSON
// file so it survives restarts. An empty path keeps it in memory only.
type Session struct {
	mu       sync.Mutex
	path     string
	loaded   bool
	signedIn bool
}

type sessionFile struct {
	Provider string    `json:"provider"`
	SignedAt time.Time `json:"signed_at"`
}

// NewSession returns a session backed by path.
func NewSession(path string) *Session {
	return &Session{path: path}
}

// Active reports whether the session is signed in.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.load()
	return s.signedIn
}

func (s *Session) load() {
	if s.loaded {
		return
	}
	s.loaded = true
	if s.path == "" {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var f sessionFile
	s.signedIn = json.Unmarshal(data, &f) == nil
}

// Begin marks the session signed in for provider.
func (s *Session) Begin(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	if s.path != "" {
		data, err := json.Marshal(sessionFile{Provider: provider, SignedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
			return err
		}
		if err := os.WriteFile(s.path, data, 0600); err != nil {
			return err
		}
	}
	s.signedIn = true
	return nil
}

// End signs the session out.
func (s *Session) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	s.signedIn = false
	if s.path == "" {
		return nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

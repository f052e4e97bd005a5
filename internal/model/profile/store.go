package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/zhouzirui/z-assistant/internal/event"
)

// Store exposes the current user record.
type Store interface {
	Current() User
}

// Identity adapts a Store to the (userID, info) pair used by the realtime layer.
// fallbackID replaces an empty record id before DefaultUserID applies.
func Identity(s Store, fallbackID string) func() (string, map[string]string) {
	return func() (string, map[string]string) {
		u := s.Current()
		if u.ID == "" {
			u.ID = fallbackID
		}
		return u.UserID(), u.Info()
	}
}

// FileStore loads the user record from a JSON file and reloads it on change.
type FileStore struct {
	path string

	mu   sync.RWMutex
	user User

	changes *event.Bus[User]
}

// NewFileStore reads path once. A missing file yields an empty record.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path, changes: event.NewBus[User]("profile")}
	if err := s.reload(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return s, nil
}

// Current returns the most recently loaded record.
func (s *FileStore) Current() User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// OnChange subscribes to reloads.
func (s *FileStore) OnChange(fn func(User)) *event.Subscription {
	return s.changes.On(fn)
}

func (s *FileStore) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return fmt.Errorf("parse user record %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
	return nil
}

// Watch reloads the record whenever the file is written or replaced.
// It blocks until ctx is done.
func (s *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log.Printf("[profile] watching %s", s.path)

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.reload(); err != nil {
				log.Printf("[profile] reload failed: %v", err)
				continue
			}
			log.Printf("[profile] user record reloaded")
			s.changes.Emit(s.Current())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[profile] watcher error: %v", err)
		}
	}
}

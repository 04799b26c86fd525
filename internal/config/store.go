package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Store is a file-backed key-value store for per-project configuration.
// Writes go through viper to the backing YAML file; an fsnotify watcher
// reloads the file when it is edited out-of-band, so a running service
// picks up configuration changes without a restart.
type Store struct {
	mu   sync.RWMutex
	v    *viper.Viper
	path string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// OpenStore opens (or creates) the key-value store at the given path.
func OpenStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("{}\n"), 0600); err != nil {
			return nil, fmt.Errorf("create config store: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config store: %w", err)
	}

	return &Store{v: v, path: path}, nil
}

// Get returns the string value for a key, or "" if unset.
func (s *Store) Get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v.GetString(key)
}

// Set writes a key-value pair and persists the store to disk.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.v.Set(key, value)
	if err := s.v.WriteConfig(); err != nil {
		return fmt.Errorf("write config store: %w", err)
	}
	return nil
}

// Watch starts reloading the store when the backing file changes.
// Safe to skip for short-lived processes.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch the directory: editors replace files, which drops a watch
	// registered on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config directory: %w", err)
	}

	s.watcher = watcher
	s.done = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				s.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[config] watch error: %v", err)
			case <-s.done:
				return
			}
		}
	}()

	return nil
}

// reload re-reads the backing file, keeping current values on failure.
func (s *Store) reload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.v.ReadInConfig(); err != nil {
		log.Printf("[config] reload failed, keeping previous values: %v", err)
		return
	}
	log.Printf("[config] reloaded %s", s.path)
}

// Close stops the watcher if one is running.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	close(s.done)
	return s.watcher.Close()
}

package contract

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/gavelhq/gavel/internal/schema"
)

// Registry holds the validated contracts found in a directory, keyed by
// scope name, and optionally hot-reloads them when files change so a
// long-running caller picks up contract edits without restarting.
//
// Thread-safe: lookups take a read lock, reloads take the write lock.
type Registry struct {
	mu        sync.RWMutex
	dir       string
	schemas   *schema.Registry
	contracts map[string]*Contract
	watcher   *fsnotify.Watcher
	done      chan struct{}
}

// NewRegistry loads every contract file (*.yaml, *.yml, *.json) in dir.
// Files that fail to parse or validate are skipped with a logged warning;
// one bad contract must not take down the rest.
func NewRegistry(dir string, schemas *schema.Registry) (*Registry, error) {
	r := &Registry{
		dir:       dir,
		schemas:   schemas,
		contracts: make(map[string]*Contract),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Watch starts hot-reload: any write or create in the contracts directory
// triggers a full reload. Call Close to stop.
func (r *Registry) Watch() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating contract watcher: %w", err)
	}
	if err := fw.Add(r.dir); err != nil {
		fw.Close()
		return fmt.Errorf("watching contracts directory %s: %w", r.dir, err)
	}

	r.watcher = fw
	r.done = make(chan struct{})
	go r.processEvents()

	slog.Info("contract watcher started", "dir", r.dir)
	return nil
}

// processEvents handles fsnotify events until Close is called.
func (r *Registry) processEvents() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !isContractFile(event.Name) {
				continue
			}
			slog.Info("contract file changed, reloading", "file", filepath.Base(event.Name))
			if err := r.reload(); err != nil {
				slog.Error("contract reload failed", "error", err)
			}

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("contract watcher error", "error", err)

		case <-r.done:
			return
		}
	}
}

// reload re-scans the directory and swaps the contract map.
func (r *Registry) reload() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			// No contracts directory yet. An empty registry is valid.
			return nil
		}
		return fmt.Errorf("reading contracts directory %s: %w", r.dir, err)
	}

	loaded := make(map[string]*Contract)
	for _, entry := range entries {
		if entry.IsDir() || !isContractFile(entry.Name()) {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		c, err := Load(path)
		if err != nil {
			slog.Warn("skipping unreadable contract", "file", entry.Name(), "error", err)
			continue
		}
		if err := Validate(c, r.schemas); err != nil {
			slog.Warn("skipping invalid contract", "file", entry.Name(), "error", err)
			continue
		}
		if prev, dup := loaded[c.Scope.Name]; dup {
			slog.Warn("duplicate contract scope, keeping first",
				"scope", c.Scope.Name, "kept", prev.Version, "skipped", c.Version)
			continue
		}
		loaded[c.Scope.Name] = c
	}

	r.mu.Lock()
	r.contracts = loaded
	r.mu.Unlock()

	slog.Info("contracts loaded", "dir", r.dir, "count", len(loaded))
	return nil
}

// Get returns the contract for a scope name, or false if absent.
func (r *Registry) Get(name string) (*Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[name]
	return c, ok
}

// Names returns the loaded scope names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close stops the watcher, if started. Safe to call multiple times.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	default:
		close(r.done)
	}
	return r.watcher.Close()
}

func isContractFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

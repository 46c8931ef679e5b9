package scopes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/mcpgate/mcpgate/pkg/logger"
)

// Provider owns the current scope mapping. Readers call Current and get an
// immutable Mapping; Reload and the admin mutation helpers build a new
// mapping and swap the pointer, so in-flight requests keep the generation
// they started with.
type Provider struct {
	path    string
	current atomic.Pointer[Mapping]

	// writeMu serializes mutations that persist back to disk.
	writeMu sync.Mutex
}

// NewProvider loads the scope mapping from path. A missing file yields an
// empty mapping (everything denied except admins, of which there are none).
func NewProvider(path string) (*Provider, error) {
	p := &Provider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Current returns the mapping generation in effect right now.
func (p *Provider) Current() *Mapping {
	return p.current.Load()
}

// Reload re-reads the config file and atomically swaps the mapping.
func (p *Provider) Reload() error {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		logger.Warnf("scope config %s not found, using empty mapping", p.path)
		empty, _ := Compile(&Config{})
		p.current.Store(empty)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read scope config: %w", err)
	}
	mapping, err := Parse(data)
	if err != nil {
		return err
	}
	p.current.Store(mapping)
	logger.Infof("scope mapping loaded from %s (%d groups, %d scopes)",
		p.path, len(mapping.cfg.GroupMappings), len(mapping.cfg.Scopes))
	return nil
}

// Update applies mutate to a copy of the current config, persists it
// atomically, and swaps the compiled result in. Used by the admin API to
// add or remove servers from scopes.
func (p *Provider) Update(mutate func(*Config) error) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	cfg := p.Current().Config()
	if err := mutate(cfg); err != nil {
		return err
	}
	mapping, err := Compile(cfg)
	if err != nil {
		return err
	}

	data, err := mapping.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal scope config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0750); err != nil {
		return fmt.Errorf("failed to create scope config directory: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write scope config: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("failed to rename scope config: %w", err)
	}

	p.current.Store(mapping)
	return nil
}

// AddServerToScope grants the server path (with the given tools, or the
// wildcard when tools is empty) under the named scope, creating the scope
// if needed. Groups listed in groups are mapped to the scope as well.
func (p *Provider) AddServerToScope(scope, serverPath string, tools []string, groups []string) error {
	if len(tools) == 0 {
		tools = []string{ToolsWildcard}
	}
	return p.Update(func(cfg *Config) error {
		if cfg.Scopes == nil {
			cfg.Scopes = map[string][]ServerScope{}
		}
		entries := cfg.Scopes[scope]
		for i, entry := range entries {
			if entry.Server == serverPath {
				entries[i].Tools = tools
				cfg.Scopes[scope] = entries
				return p.mapGroups(cfg, scope, groups)
			}
		}
		cfg.Scopes[scope] = append(entries, ServerScope{Server: serverPath, Tools: tools})
		return p.mapGroups(cfg, scope, groups)
	})
}

func (*Provider) mapGroups(cfg *Config, scope string, groups []string) error {
	if cfg.GroupMappings == nil {
		cfg.GroupMappings = map[string][]string{}
	}
	for _, group := range groups {
		found := false
		for _, existing := range cfg.GroupMappings[group] {
			if existing == scope {
				found = true
				break
			}
		}
		if !found {
			cfg.GroupMappings[group] = append(cfg.GroupMappings[group], scope)
		}
	}
	return nil
}

// RemoveServerFromScope revokes the server path from the named scope.
func (p *Provider) RemoveServerFromScope(scope, serverPath string) error {
	return p.Update(func(cfg *Config) error {
		entries, ok := cfg.Scopes[scope]
		if !ok {
			return fmt.Errorf("scope %q not found", scope)
		}
		kept := entries[:0]
		removed := false
		for _, entry := range entries {
			if entry.Server == serverPath {
				removed = true
				continue
			}
			kept = append(kept, entry)
		}
		if !removed {
			return fmt.Errorf("server %q not granted by scope %q", serverPath, scope)
		}
		if len(kept) == 0 {
			delete(cfg.Scopes, scope)
		} else {
			cfg.Scopes[scope] = kept
		}
		return nil
	})
}

// Watch reloads the mapping whenever the config file changes on disk, until
// ctx is cancelled. Editors and the admin API both rewrite the file via
// rename, so Create events matter as much as Write events.
func (p *Provider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create scope config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch scope config directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != p.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := p.Reload(); err != nil {
					logger.Errorw("scope config reload failed", "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Errorw("scope config watcher error", "error", err)
			}
		}
	}()
	return nil
}

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/mcpgate/mcpgate/pkg/logger"
)

// lockTimeout is the maximum time to wait for the data directory lock.
const lockTimeout = 1 * time.Second

// EventType classifies a registry mutation.
type EventType string

// Mutation event types published to subscribers.
const (
	EventRegistered     EventType = "registered"
	EventRemoved        EventType = "removed"
	EventEnabledChanged EventType = "enabled-changed"
	EventToolsUpdated   EventType = "tools-updated"
)

// Event is a registry mutation notification. The tool index subscribes to
// these to schedule rebuilds.
type Event struct {
	Type EventType
	Path string
}

// Snapshot is an immutable view of the registered services. The gateway hot
// path resolves requests against a snapshot without taking any locks.
type Snapshot struct {
	byPath map[string]*Service
	byName map[string]*Service

	// paths holds all registered paths sorted lexicographically.
	paths []string
}

// Get returns the service registered at exactly the given path.
func (s *Snapshot) Get(path string) (*Service, bool) {
	svc, ok := s.byPath[path]
	return svc, ok
}

// GetByName returns the service with the given display name.
func (s *Snapshot) GetByName(name string) (*Service, bool) {
	svc, ok := s.byName[name]
	return svc, ok
}

// Match resolves a request path to the enabled service with the longest
// matching path prefix. A prefix matches only on a path-segment boundary.
// Ties are impossible because paths are unique; iteration over the sorted
// path list makes the (theoretical) tie-break lexicographic.
func (s *Snapshot) Match(requestPath string) (*Service, bool) {
	var best *Service
	for _, p := range s.paths {
		svc := s.byPath[p]
		if !svc.Enabled {
			continue
		}
		if requestPath != p && !strings.HasPrefix(requestPath, p+"/") {
			continue
		}
		if best == nil || len(p) > len(best.Path) {
			best = svc
		}
	}
	return best, best != nil
}

// List returns all services in the snapshot sorted by path.
func (s *Snapshot) List() []*Service {
	out := make([]*Service, 0, len(s.paths))
	for _, p := range s.paths {
		out = append(out, s.byPath[p])
	}
	return out
}

// Len returns the number of registered services.
func (s *Snapshot) Len() int {
	return len(s.paths)
}

// ListFilter narrows the result of Store.List. Nil fields are ignored.
type ListFilter struct {
	Enabled *bool
	Health  *HealthStatus
	Tags    []string
}

// Store is the registry store. Reads go through an immutable snapshot that
// is replaced wholesale on every mutation; writers serialize on a mutex.
type Store struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[Snapshot]

	serversDir string
	fileLock   *flock.Flock

	// envLookup resolves $VAR references in header templates at
	// registration time. Overridable for tests.
	envLookup func(string) string

	subsMu sync.Mutex
	subs   []chan Event
}

// NewStore creates a store rooted at dataDir and loads every persisted
// service document from <dataDir>/servers.
func NewStore(dataDir string) (*Store, error) {
	serversDir := filepath.Join(dataDir, "servers")
	if err := os.MkdirAll(serversDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create servers directory: %w", err)
	}

	s := &Store{
		serversDir: serversDir,
		fileLock:   flock.New(filepath.Join(serversDir, ".lock")),
		envLookup:  os.Getenv,
	}
	s.snapshot.Store(&Snapshot{byPath: map[string]*Service{}, byName: map[string]*Service{}})

	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current immutable view. Outstanding holders keep
// seeing their snapshot until they drop it.
func (s *Store) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Subscribe returns a channel that receives mutation events. Events are
// dropped (with a warning) if the subscriber falls behind.
func (s *Store) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()
	return ch
}

func (s *Store) publish(ev Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			logger.Warnf("registry event dropped for slow subscriber: %s %s", ev.Type, ev.Path)
		}
	}
}

// Register adds a new service. Header template values are expanded against
// the process environment exactly once, here. A failed or pending scan
// status forces the service to start disabled. Registration fails when the
// document cannot be persisted.
func (s *Store) Register(svc *Service) error {
	if err := svc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot.Load()
	if _, ok := snap.byPath[svc.Path]; ok {
		return fmt.Errorf("%w: %s", ErrPathConflict, svc.Path)
	}
	if _, ok := snap.byName[svc.Name]; ok {
		return fmt.Errorf("%w: %s", ErrNameConflict, svc.Name)
	}

	reg := svc.Clone()
	for i := range reg.HeadersTemplate {
		reg.HeadersTemplate[i].Value = os.Expand(reg.HeadersTemplate[i].Value, s.envLookup)
	}
	if reg.ScanStatus == ScanStatusFailed || reg.ScanStatus == ScanStatusSecurityPending {
		reg.Enabled = false
	}
	reg.Health = HealthState{Status: HealthUnknown}

	if err := s.persist(reg); err != nil {
		return fmt.Errorf("failed to persist service %s: %w", reg.Path, err)
	}

	s.swap(func(next *Snapshot) {
		next.byPath[reg.Path] = reg
		next.byName[reg.Name] = reg
	})
	s.publish(Event{Type: EventRegistered, Path: reg.Path})
	logger.Infow("service registered", "path", reg.Path, "name", reg.Name, "enabled", reg.Enabled)
	return nil
}

// Remove deletes a service and its persisted document.
func (s *Store) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot.Load()
	svc, ok := snap.byPath[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if err := s.deleteDocument(path); err != nil {
		return fmt.Errorf("failed to delete service document %s: %w", path, err)
	}

	s.swap(func(next *Snapshot) {
		delete(next.byPath, path)
		delete(next.byName, svc.Name)
	})
	s.publish(Event{Type: EventRemoved, Path: path})
	logger.Infow("service removed", "path", path, "name", svc.Name)
	return nil
}

// SetEnabled flips a service's enabled flag. Enabling a service whose scan
// status is security-pending is forbidden and returns ErrScanPending.
func (s *Store) SetEnabled(path string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot.Load()
	svc, ok := snap.byPath[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if enabled && svc.ScanStatus == ScanStatusSecurityPending {
		return fmt.Errorf("%w: %s", ErrScanPending, path)
	}
	if svc.Enabled == enabled {
		return nil
	}

	updated := svc.Clone()
	updated.Enabled = enabled
	if err := s.persist(updated); err != nil {
		return fmt.Errorf("failed to persist service %s: %w", path, err)
	}

	s.swap(func(next *Snapshot) {
		next.byPath[path] = updated
		next.byName[updated.Name] = updated
	})
	s.publish(Event{Type: EventEnabledChanged, Path: path})
	logger.Infow("service enabled flag changed", "path", path, "enabled", enabled)
	return nil
}

// UpdateHealth records the result of a probe. When tools is non-nil the
// service's tool list is replaced and persisted; persistence failures here
// are logged but do not roll back the in-memory update, because health is
// runtime state and tools are re-derived on the next probe anyway.
func (s *Store) UpdateHealth(path string, health HealthState, tools []Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot.Load()
	svc, ok := snap.byPath[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	updated := svc.Clone()
	updated.Health = health
	toolsChanged := false
	if tools != nil {
		updated.Tools = tools
		updated.Health.NumTools = len(tools)
		toolsChanged = true
	}

	if toolsChanged {
		if err := s.persist(updated); err != nil {
			logger.Errorw("failed to persist tool list", "path", path, "error", err)
		}
	}

	s.swap(func(next *Snapshot) {
		next.byPath[path] = updated
		next.byName[updated.Name] = updated
	})
	if toolsChanged {
		s.publish(Event{Type: EventToolsUpdated, Path: path})
	}
	return nil
}

// GetByPath returns the service registered at exactly path, shared from the
// current snapshot. Callers must treat it as read-only.
func (s *Store) GetByPath(path string) (*Service, error) {
	svc, ok := s.snapshot.Load().Get(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return svc, nil
}

// List returns the services matching the filter, sorted by path.
func (s *Store) List(filter ListFilter) []*Service {
	var out []*Service
	for _, svc := range s.snapshot.Load().List() {
		if filter.Enabled != nil && svc.Enabled != *filter.Enabled {
			continue
		}
		if filter.Health != nil && svc.Health.Status != *filter.Health {
			continue
		}
		if !svc.HasAllTags(filter.Tags) {
			continue
		}
		out = append(out, svc)
	}
	return out
}

// swap rebuilds the snapshot from the current one, applies mutate, and
// publishes it with a single pointer store. Callers must hold s.mu.
func (s *Store) swap(mutate func(*Snapshot)) {
	old := s.snapshot.Load()
	next := &Snapshot{
		byPath: make(map[string]*Service, len(old.byPath)+1),
		byName: make(map[string]*Service, len(old.byName)+1),
	}
	for p, svc := range old.byPath {
		next.byPath[p] = svc
	}
	for n, svc := range old.byName {
		next.byName[n] = svc
	}
	mutate(next)
	next.paths = make([]string, 0, len(next.byPath))
	for p := range next.byPath {
		next.paths = append(next.paths, p)
	}
	sort.Strings(next.paths)
	s.snapshot.Store(next)
}

// documentFile maps a service path to its on-disk document name. The
// basename is not semantically significant; it only needs to be stable and
// filesystem-safe.
func (s *Store) documentFile(path string) string {
	name := strings.ReplaceAll(strings.Trim(path, "/"), "/", "_")
	return filepath.Join(s.serversDir, name+".json")
}

// persist writes the service document atomically: temp file in the same
// directory, fsync, rename.
func (s *Store) persist(svc *Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := s.fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("failed to acquire data directory lock: %w", err)
	}
	defer s.fileLock.Unlock()

	data, err := json.MarshalIndent(svc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal service: %w", err)
	}

	tmp, err := os.CreateTemp(s.serversDir, ".service-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.documentFile(svc.Path)); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *Store) deleteDocument(path string) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := s.fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil || !locked {
		return fmt.Errorf("failed to acquire data directory lock: %w", err)
	}
	defer s.fileLock.Unlock()

	if err := os.Remove(s.documentFile(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// loadAll reads every persisted service document. Health always restarts as
// unknown. Index artifacts living in the same directory are skipped.
func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.serversDir)
	if err != nil {
		return fmt.Errorf("failed to read servers directory: %w", err)
	}

	byPath := map[string]*Service{}
	byName := map[string]*Service{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		if strings.HasPrefix(name, "service_index") || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.serversDir, name))
		if err != nil {
			return fmt.Errorf("failed to read service document %s: %w", name, err)
		}
		var svc Service
		if err := json.Unmarshal(data, &svc); err != nil {
			logger.Errorw("skipping corrupt service document", "file", name, "error", err)
			continue
		}
		if err := svc.Validate(); err != nil {
			logger.Errorw("skipping invalid service document", "file", name, "error", err)
			continue
		}
		svc.Health = HealthState{Status: HealthUnknown}
		byPath[svc.Path] = &svc
		byName[svc.Name] = &svc
	}

	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	s.snapshot.Store(&Snapshot{byPath: byPath, byName: byName, paths: paths})
	logger.Infof("loaded %d service documents from %s", len(paths), s.serversDir)
	return nil
}

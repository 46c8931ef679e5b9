// Package index maintains the semantic tool index: an embedding per
// registered tool, queryable by natural-language description with optional
// tag filtering. The index is rebuilt in the background off registry
// mutation events and swapped atomically, so queries always see a complete
// snapshot.
package index

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

	"github.com/philippgille/chromem-go"

	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/registry"
	"github.com/mcpgate/mcpgate/pkg/telemetry"
)

const (
	// schemaVersion gates the on-disk format. A mismatch discards the
	// persisted index and rebuilds from the registry.
	schemaVersion = 1

	collectionName = "service_tools"
	indexFileName  = "service_index.gob"
	sidecarName    = "service_index_metadata.json"

	// rebuildDebounce coalesces bursts of registry mutations into one
	// rebuild.
	rebuildDebounce = 2 * time.Second

	// DefaultTopK is the result count when the caller does not specify one.
	DefaultTopK = 10
)

// Match is one tool finder result.
type Match struct {
	ServicePath string   `json:"service_path"`
	ServiceName string   `json:"service_name"`
	ToolName    string   `json:"tool_name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Score       float32  `json:"score"`
}

// docMeta is the per-document sidecar entry. It lets the index answer tag
// filters and render results without round-tripping chromem metadata.
type docMeta struct {
	ID          string   `json:"id"`
	ServicePath string   `json:"service_path"`
	ServiceName string   `json:"service_name"`
	ToolName    string   `json:"tool_name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

type sidecar struct {
	SchemaVersion int       `json:"schema_version"`
	Dimension     int       `json:"dimension"`
	Entries       []docMeta `json:"entries"`
}

// state is one immutable generation of the index.
type state struct {
	db         *chromem.DB
	collection *chromem.Collection
	entries    map[string]docMeta
}

// Index is the semantic tool index.
type Index struct {
	store       *registry.Store
	metrics     *telemetry.Metrics
	query       Embedder
	ingest      Embedder
	dir         string
	current     atomic.Pointer[state]
	rebuildMu   sync.Mutex
}

// New creates the index rooted at dir (the registry's servers directory).
// It loads the persisted index when compatible, otherwise rebuilds from the
// store.
func New(dir string, store *registry.Store, embedder Embedder, metrics *telemetry.Metrics) (*Index, error) {
	idx := &Index{
		store:   store,
		metrics: metrics,
		query:   embedder,
		ingest:  WithLocalFallback(embedder),
		dir:     dir,
	}
	idx.current.Store(&state{entries: map[string]docMeta{}})

	if err := idx.load(); err != nil {
		logger.Warnf("persisted tool index unusable, rebuilding: %v", err)
		idx.dropPersisted()
		if err := idx.Rebuild(context.Background()); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// Run rebuilds the index whenever the registry changes, debounced so bursts
// of mutations coalesce, until ctx is cancelled.
func (i *Index) Run(ctx context.Context) {
	events := i.store.Subscribe()
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logger.Debugw("index rebuild scheduled", "event", ev.Type, "service", ev.Path)
			if timer == nil {
				timer = time.NewTimer(rebuildDebounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(rebuildDebounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			if err := i.Rebuild(ctx); err != nil {
				logger.Errorw("tool index rebuild failed", "error", err)
			}
		}
	}
}

// Rebuild constructs a fresh collection from the registry's enabled services
// and swaps it in. Concurrent rebuilds serialize; queries keep the previous
// generation until the swap.
func (i *Index) Rebuild(ctx context.Context) error {
	i.rebuildMu.Lock()
	defer i.rebuildMu.Unlock()

	db := chromem.NewDB()
	collection, err := db.CreateCollection(collectionName, nil, i.embeddingFunc())
	if err != nil {
		return fmt.Errorf("failed to create index collection: %w", err)
	}

	entries := map[string]docMeta{}
	enabled := true
	for _, svc := range i.store.List(registry.ListFilter{Enabled: &enabled}) {
		for _, tool := range svc.Tools {
			meta := docMeta{
				ID:          svc.Path + "::" + tool.Name,
				ServicePath: svc.Path,
				ServiceName: svc.Name,
				ToolName:    tool.Name,
				Description: tool.Description,
				Tags:        append([]string(nil), svc.Tags...),
			}
			embedding, err := i.ingest.Embed(ctx, corpusText(tool.Description, svc.Tags))
			if err != nil {
				return fmt.Errorf("failed to embed %s: %w", meta.ID, err)
			}
			err = collection.AddDocument(ctx, chromem.Document{
				ID:        meta.ID,
				Content:   corpusText(tool.Description, svc.Tags),
				Embedding: embedding,
				Metadata:  map[string]string{"service": svc.Path, "tool": tool.Name},
			})
			if err != nil {
				return fmt.Errorf("failed to index %s: %w", meta.ID, err)
			}
			entries[meta.ID] = meta
		}
	}

	i.current.Store(&state{db: db, collection: collection, entries: entries})

	if i.metrics != nil {
		i.metrics.IndexRebuilds.Inc()
		i.metrics.IndexedTools.Set(float64(len(entries)))
	}
	logger.Infof("tool index rebuilt: %d tools", len(entries))

	if err := i.persist(db, entries); err != nil {
		// The in-memory index is good; persistence failure only costs the
		// next startup a rebuild.
		logger.Errorw("failed to persist tool index", "error", err)
	}
	return nil
}

// FindTools returns the topK tools most similar to the query, restricted to
// services carrying every requested tag.
func (i *Index) FindTools(ctx context.Context, query string, tags []string, topK int) ([]Match, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	st := i.current.Load()
	if st.collection == nil || st.collection.Count() == 0 {
		return nil, nil
	}

	embedding, err := i.query.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	// The tag filter runs over our own metadata, so rank across the whole
	// collection and filter preserving similarity order.
	results, err := st.collection.QueryEmbedding(ctx, embedding, st.collection.Count(), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("index query failed: %w", err)
	}

	matches := make([]Match, 0, topK)
	for _, res := range results {
		meta, ok := st.entries[res.ID]
		if !ok || !hasAllTags(meta.Tags, tags) {
			continue
		}
		matches = append(matches, Match{
			ServicePath: meta.ServicePath,
			ServiceName: meta.ServiceName,
			ToolName:    meta.ToolName,
			Description: meta.Description,
			Tags:        meta.Tags,
			Score:       res.Similarity,
		})
		if len(matches) == topK {
			break
		}
	}
	return matches, nil
}

// Size returns the number of indexed tools.
func (i *Index) Size() int {
	return len(i.current.Load().entries)
}

func (i *Index) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return i.ingest.Embed(ctx, text)
	}
}

// load restores the persisted index. Any inconsistency is an error; the
// caller drops the files and rebuilds.
func (i *Index) load() error {
	raw, err := os.ReadFile(filepath.Join(i.dir, sidecarName))
	if os.IsNotExist(err) {
		// Nothing persisted: build fresh, which is not an error.
		return i.Rebuild(context.Background())
	}
	if err != nil {
		return err
	}

	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return fmt.Errorf("corrupt index metadata: %w", err)
	}
	if sc.SchemaVersion != schemaVersion {
		return fmt.Errorf("index schema version %d, want %d", sc.SchemaVersion, schemaVersion)
	}
	if sc.Dimension != i.query.Dimension() {
		return fmt.Errorf("index dimension %d, embedder produces %d", sc.Dimension, i.query.Dimension())
	}

	db := chromem.NewDB()
	if err := db.Import(filepath.Join(i.dir, indexFileName), ""); err != nil {
		return fmt.Errorf("failed to import index: %w", err)
	}
	collection := db.GetCollection(collectionName, i.embeddingFunc())
	if collection == nil {
		return fmt.Errorf("persisted index has no %s collection", collectionName)
	}
	if collection.Count() != len(sc.Entries) {
		return fmt.Errorf("index holds %d documents, metadata lists %d", collection.Count(), len(sc.Entries))
	}

	entries := make(map[string]docMeta, len(sc.Entries))
	for _, e := range sc.Entries {
		entries[e.ID] = e
	}
	i.current.Store(&state{db: db, collection: collection, entries: entries})
	if i.metrics != nil {
		i.metrics.IndexedTools.Set(float64(len(entries)))
	}
	logger.Infof("tool index loaded from disk: %d tools", len(entries))
	return nil
}

func (i *Index) persist(db *chromem.DB, entries map[string]docMeta) error {
	if err := db.Export(filepath.Join(i.dir, indexFileName), false, ""); err != nil {
		return err
	}

	list := make([]docMeta, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	sort.Slice(list, func(a, b int) bool { return list[a].ID < list[b].ID })

	raw, err := json.MarshalIndent(sidecar{
		SchemaVersion: schemaVersion,
		Dimension:     i.query.Dimension(),
		Entries:       list,
	}, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(i.dir, sidecarName+".tmp")
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(i.dir, sidecarName))
}

func (i *Index) dropPersisted() {
	_ = os.Remove(filepath.Join(i.dir, indexFileName))
	_ = os.Remove(filepath.Join(i.dir, sidecarName))
}

// corpusText is the canonical embedded representation of a tool.
func corpusText(description string, tags []string) string {
	if len(tags) == 0 {
		return description
	}
	return description + ". Tags: " + strings.Join(tags, ", ")
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[strings.ToLower(t)] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[strings.ToLower(t)]; !ok {
			return false
		}
	}
	return true
}

package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

// MenuButton is one entry of the top-level menu. It either starts a flow or replies with text.
type MenuButton struct {
	Label  models.LocalizedText `json:"label"`
	FlowID string               `json:"flow_id,omitempty"`
	Reply  models.LocalizedText `json:"reply,omitempty"`
}

// Menu is the top-level menu shown when no flow is active.
type Menu struct {
	Text    models.LocalizedText `json:"text"`
	Buttons []MenuButton         `json:"buttons,omitempty"`
}

// Bundle is what a Loader produces: a set of flows and the menu.
type Bundle struct {
	Flows []*models.FlowDefinition
	Menu  Menu
}

// Loader reads flow definitions from their source.
type Loader interface {
	Load(ctx context.Context) (*Bundle, error)
}

// StaticLoader serves a fixed bundle.
type StaticLoader struct {
	Bundle Bundle
}

func (l StaticLoader) Load(context.Context) (*Bundle, error) {
	b := l.Bundle
	return &b, nil
}

// Snapshot is an immutable view of all flows at one generation.
type Snapshot struct {
	Generation int64
	Flows      map[string]*models.FlowDefinition
	Menu       Menu
	LoadedAt   time.Time
}

// Flow returns the flow with the given id, or nil.
func (s *Snapshot) Flow(id string) *models.FlowDefinition {
	if s == nil {
		return nil
	}
	return s.Flows[id]
}

// ActiveFlows returns the active flows ordered by id.
func (s *Snapshot) ActiveFlows() []*models.FlowDefinition {
	if s == nil {
		return nil
	}
	out := make([]*models.FlowDefinition, 0, len(s.Flows))
	for _, f := range s.Flows {
		if f.IsActive {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Registry holds the current flow snapshot and the one it replaced. Reloads swap the whole snapshot.
type Registry struct {
	loader   Loader
	reloadMu sync.Mutex
	current  atomic.Pointer[Snapshot]
	previous atomic.Pointer[Snapshot]
}

// NewRegistry creates a registry and performs the initial load.
func NewRegistry(ctx context.Context, loader Loader) (*Registry, error) {
	r := &Registry{loader: loader}
	if _, err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload loads and validates a new snapshot and swaps it in. On error the current snapshot stays.
// The snapshot holds copies of the loaded definitions, so the loader's values are never stamped.
func (r *Registry) Reload(ctx context.Context) (*Snapshot, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	bundle, err := r.loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load flows: %w", err)
	}

	gen := int64(1)
	old := r.current.Load()
	if old != nil {
		gen = old.Generation + 1
	}

	snap := &Snapshot{
		Generation: gen,
		Flows:      make(map[string]*models.FlowDefinition, len(bundle.Flows)),
		Menu:       bundle.Menu,
		LoadedAt:   time.Now(),
	}
	for _, def := range bundle.Flows {
		if def == nil {
			return nil, fmt.Errorf("invalid flow: nil definition")
		}
		f := new(models.FlowDefinition)
		*f = *def
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("invalid flow: %w", err)
		}
		if _, dup := snap.Flows[f.ID]; dup {
			return nil, fmt.Errorf("duplicate flow id %q", f.ID)
		}
		if f.Version == 0 {
			f.Version = gen
		}
		for _, ref := range f.DanglingReferences() {
			slog.Warn("Registry.Reload: dangling node reference", "flowID", f.ID, "ref", ref)
		}
		snap.Flows[f.ID] = f
	}
	for i, b := range snap.Menu.Buttons {
		if b.FlowID != "" && snap.Flows[b.FlowID] == nil {
			slog.Warn("Registry.Reload: menu button targets unknown flow", "index", i, "flowID", b.FlowID)
		}
	}

	if old != nil {
		r.previous.Store(old)
	}
	r.current.Store(snap)
	slog.Info("Registry.Reload: flows loaded", "generation", gen, "flows", len(snap.Flows))
	return snap, nil
}

// Current returns the live snapshot.
func (r *Registry) Current() *Snapshot {
	return r.current.Load()
}

// Lookup finds the flow a session is pinned to. The current snapshot is preferred when its version
// matches; otherwise the previous snapshot is consulted. A version of zero accepts any version.
// When neither holds the pinned version, the current flow is returned if it still contains nodeID.
func (r *Registry) Lookup(flowID string, version int64, nodeID string) *models.FlowDefinition {
	cur := r.current.Load().Flow(flowID)
	if cur != nil && (version == 0 || cur.Version == version) {
		return cur
	}
	if prev := r.previous.Load().Flow(flowID); prev != nil && prev.Version == version {
		return prev
	}
	if cur != nil && nodeID != "" {
		if _, ok := cur.Node(nodeID); ok {
			slog.Debug("Registry.Lookup: pinned version gone, continuing on current", "flowID", flowID, "version", version)
			return cur
		}
	}
	return nil
}

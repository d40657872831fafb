// Package scene holds the renderer's current drawable state: a flat set of
// layers ordered by z-index, with per-layer dirty flags.
//
// The scene is mutated only by the renderer core after dequeuing commands;
// the compositor reads an immutable Snapshot during a frame. Resource
// references inside the scene always carry (id, generation) handles so a
// resource that was evicted and reloaded under a new generation can never
// be resolved through a stale reference.
package scene

import (
	"sort"

	"github.com/google/uuid"

	"github.com/orinium-browser/renderer/protocol"
)

// Handle is a generation-stamped resource reference. A Handle resolves only
// while the resource's current generation matches; after a reload it goes
// stale and resolution falls back to the placeholder.
type Handle struct {
	ID         uuid.UUID
	Generation uint64
}

// IsZero reports whether h references nothing.
func (h Handle) IsZero() bool {
	return h.ID == uuid.UUID{}
}

// Resolver binds a wire-level resource id to a generation-stamped Handle,
// acquiring a reference on the underlying record. It reports false when the
// id is unknown.
type Resolver func(id uuid.UUID) (Handle, bool)

// Primitive is one drawable element with its resource reference resolved
// to a Handle. Geometry fields mirror the wire primitive.
type Primitive struct {
	Kind   protocol.PrimitiveKind
	X, Y   float32
	W, H   float32
	Color  protocol.Color
	Points []float32
	Text   string
	Size   float32

	Resource Handle
}

// Opaque reports whether the primitive is guaranteed to fully cover its
// bounds with no transparency. Only untextured rects qualify.
func (p *Primitive) Opaque() bool {
	return p.Kind == protocol.PrimRect && p.Color.Opaque() && p.Resource.IsZero()
}

// Layer is one compositing layer. Layers are drawn in ascending Z order;
// equal Z resolves by insertion order (stable).
type Layer struct {
	ID uint64
	Z  int32

	// ClipW <= 0 means unclipped.
	ClipX, ClipY, ClipW, ClipH float32

	OffsetX, OffsetY float32

	Primitives []Primitive

	// Version increments every time the layer's content changes. The
	// compositor keys its per-layer mesh cache on this.
	Version uint64

	// Dirty marks content changed since the last snapshot.
	Dirty bool

	seq uint64
}

// State is the mutable scene. It is not safe for concurrent use; the
// renderer core is its only writer and reads happen via Snapshot.
type State struct {
	layers  map[uint64]*Layer
	nextSeq uint64
	nextVer uint64
}

// NewState creates an empty scene.
func NewState() *State {
	return &State{layers: make(map[uint64]*Layer)}
}

// ApplyDelta applies one layer delta. A delta with Clear removes the layer;
// otherwise it replaces the layer's content (last writer wins per layer).
// Resource references in the new content are bound through resolve, which
// acquires them; handles previously held by replaced or removed content are
// returned so the caller can release them after the swap.
func (s *State) ApplyDelta(d protocol.LayerDelta, resolve Resolver) (released []Handle) {
	old := s.layers[d.LayerID]
	if old != nil {
		released = collectHandles(old.Primitives, released)
	}

	if d.Clear {
		delete(s.layers, d.LayerID)
		return released
	}

	s.nextVer++
	l := &Layer{
		ID:      d.LayerID,
		Z:       d.Z,
		ClipX:   d.ClipX,
		ClipY:   d.ClipY,
		ClipW:   d.ClipW,
		ClipH:   d.ClipH,
		OffsetX: d.OffsetX,
		OffsetY: d.OffsetY,
		Version: s.nextVer,
		Dirty:   true,
	}
	if old != nil {
		l.seq = old.seq
	} else {
		s.nextSeq++
		l.seq = s.nextSeq
	}

	l.Primitives = make([]Primitive, 0, len(d.Primitives))
	for i := range d.Primitives {
		wp := &d.Primitives[i]
		p := Primitive{
			Kind:   wp.Kind,
			X:      wp.X,
			Y:      wp.Y,
			W:      wp.W,
			H:      wp.H,
			Color:  wp.Color,
			Points: wp.Points,
			Text:   wp.Text,
			Size:   wp.Size,
		}
		if wp.HasResource && resolve != nil {
			if h, ok := resolve(wp.Resource); ok {
				p.Resource = h
			}
		}
		l.Primitives = append(l.Primitives, p)
	}
	s.layers[d.LayerID] = l
	return released
}

func collectHandles(prims []Primitive, out []Handle) []Handle {
	for i := range prims {
		if !prims[i].Resource.IsZero() {
			out = append(out, prims[i].Resource)
		}
	}
	return out
}

// MarkAllDirty flags every layer for a full repaint. Called after a resize
// invalidates the swapchain.
func (s *State) MarkAllDirty() {
	for _, l := range s.layers {
		l.Dirty = true
	}
}

// Len returns the number of layers.
func (s *State) Len() int { return len(s.layers) }

// Handles returns every resource handle currently referenced by the scene.
// Used at shutdown to release remaining references.
func (s *State) Handles() []Handle {
	var out []Handle
	for _, l := range s.layers {
		out = collectHandles(l.Primitives, out)
	}
	return out
}

// Snapshot is an immutable copy of the scene consumed by the compositor
// for exactly one frame.
type Snapshot struct {
	Layers []Layer
}

// Snapshot copies the scene in draw order and clears the dirty flags on the
// live state: the returned snapshot's Dirty fields describe what changed
// since the previous snapshot.
//
// Primitive slices are shared with the live scene. That is safe because
// ApplyDelta replaces a layer's slice wholesale instead of mutating it.
func (s *State) Snapshot() *Snapshot {
	snap := &Snapshot{Layers: make([]Layer, 0, len(s.layers))}
	for _, l := range s.layers {
		snap.Layers = append(snap.Layers, *l)
		l.Dirty = false
	}
	sort.SliceStable(snap.Layers, func(i, j int) bool {
		a, b := &snap.Layers[i], &snap.Layers[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		return a.seq < b.seq
	})
	return snap
}

package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-text/typesetting/font"
	"github.com/gogpu/gputypes"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/orinium-browser/renderer/gpu"
	"github.com/orinium-browser/renderer/protocol"
	"github.com/orinium-browser/renderer/scene"
)

// State is a resource lifecycle state.
type State uint8

// Lifecycle states. Transitions move strictly forward; a new generation
// restarts at StateRequested.
const (
	StateRequested State = iota
	StateLoading
	StateUploaded
	StateInUse
	StateFailed
	StateEvicted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateRequested:
		return "Requested"
	case StateLoading:
		return "Loading"
	case StateUploaded:
		return "Uploaded"
	case StateInUse:
		return "InUse"
	case StateFailed:
		return "Failed"
	case StateEvicted:
		return "Evicted"
	default:
		return "Unknown"
	}
}

// ErrClosed is returned by Request after Shutdown.
var ErrClosed = errors.New("resource: manager closed")

// Record is a read-only snapshot of a resource's bookkeeping.
type Record struct {
	ID         uuid.UUID
	Generation uint64
	Kind       protocol.ResourceKind
	State      State
	RefCount   int
	Pinned     bool
	ByteSize   int64
	Priority   uint8
}

// record is the internal mutable entry, guarded by Manager.mu.
type record struct {
	id         uuid.UUID
	generation uint64
	kind       protocol.ResourceKind
	state      State
	refCount   int
	pinned     bool
	byteSize   int64
	priority   uint8

	// lastUse and seq order budget eviction: least-recently-used first,
	// insertion order as the tie-break.
	lastUse uint64
	seq     uint64

	tex     gpu.TextureID // valid in StateUploaded/StateInUse for textures
	face    *font.Font    // valid in StateUploaded/StateInUse for fonts
	pending *decoded      // decoded, awaiting upload
}

func (r *record) snapshot() Record {
	return Record{
		ID:         r.id,
		Generation: r.generation,
		Kind:       r.kind,
		State:      r.state,
		RefCount:   r.refCount,
		Pinned:     r.pinned,
		ByteSize:   r.byteSize,
		Priority:   r.priority,
	}
}

// EmitFunc receives resource events (ResourceLoaded, ResourceError,
// budget warnings). It must not block; the renderer core forwards events
// to the transport.
type EmitFunc func(protocol.Event)

// Manager owns all resource records and GPU-resident data. All exported
// methods are safe for concurrent use. GPU mutation (upload, eviction)
// happens only inside UploadPending, EvictIfOverBudget and Unload, which
// the single GPU-owner goroutine calls at submission points.
type Manager struct {
	mu      sync.Mutex
	records map[uuid.UUID]*record
	uploads []*record // decoded records awaiting upload, arrival order

	budget     int64
	bytesInUse int64

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	emit EmitFunc
	log  *zap.Logger

	useClock uint64
	seq      uint64
	closed   bool

	placeholderTex  gpu.TextureID
	placeholderFace *font.Font
}

// NewManager creates a manager with the given byte budget and worker pool
// size. emit and logger may be nil.
func NewManager(budget int64, workers int, emit EmitFunc, logger *zap.Logger) *Manager {
	if workers <= 0 {
		workers = 1
	}
	if emit == nil {
		emit = func(protocol.Event) {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		records: make(map[uuid.UUID]*record),
		budget:  budget,
		sem:     semaphore.NewWeighted(int64(workers)),
		emit:    emit,
		log:     logger,
	}
}

// Init uploads the placeholder texture and parses the fallback font.
// Must be called on the GPU owner before any frame.
func (m *Manager) Init(dev gpu.Device) error {
	tex, err := dev.CreateTexture(&gpu.TextureDescriptor{
		Label:  "placeholder",
		Size:   gputypes.Extent3D{Width: 1, Height: 1, DepthOrArrayLayers: 1},
		Format: gputypes.TextureFormatRGBA8Unorm,
		Pixels: placeholderPixels,
	})
	if err != nil {
		return fmt.Errorf("resource: placeholder upload: %w", err)
	}
	face, err := placeholderFont()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.placeholderTex = tex
	m.placeholderFace = face
	m.mu.Unlock()
	return nil
}

// Request starts (or joins) an asynchronous load. It is idempotent: a
// request for an id whose current generation is still alive returns the
// existing record without starting a second load. A request for an Evicted
// or Failed id starts a fresh load under a new generation.
func (m *Manager) Request(ctx context.Context, id uuid.UUID, kind protocol.ResourceKind,
	sourceURL string, data []byte, priority uint8, pinned bool) (Record, error) {

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Record{}, ErrClosed
	}

	if rec, ok := m.records[id]; ok {
		switch rec.state {
		case StateEvicted, StateFailed:
			// Reload under a new generation.
		default:
			snap := rec.snapshot()
			m.mu.Unlock()
			return snap, nil
		}
	}

	rec := m.records[id]
	if rec == nil {
		m.seq++
		rec = &record{id: id, seq: m.seq}
		m.records[id] = rec
	}
	rec.generation++
	rec.kind = kind
	rec.state = StateRequested
	rec.pinned = pinned
	rec.priority = priority
	rec.refCount = 0
	rec.byteSize = 0
	rec.tex = 0
	rec.face = nil
	rec.pending = nil
	gen := rec.generation
	snap := rec.snapshot()
	m.mu.Unlock()

	m.wg.Add(1)
	go m.load(ctx, id, gen, kind, sourceURL, data)

	return snap, nil
}

// load runs on the bounded worker pool. It never touches GPU state: the
// result lands in the upload queue for the GPU owner to consume.
func (m *Manager) load(ctx context.Context, id uuid.UUID, gen uint64,
	kind protocol.ResourceKind, sourceURL string, data []byte) {
	defer m.wg.Done()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		// Shutdown or cancellation before the load started: abandon.
		return
	}
	defer m.sem.Release(1)

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok || rec.generation != gen || rec.state != StateRequested || m.closed {
		// Superseded or evicted while queued behind the pool; abandon so the
		// eviction stays final. States only move forward within a generation.
		m.mu.Unlock()
		return
	}
	rec.state = StateLoading
	m.mu.Unlock()

	var (
		dec *decoded
		err error
	)
	if len(data) == 0 && sourceURL != "" {
		data, err = fetch(ctx, sourceURL)
	}
	if err == nil {
		dec, err = decode(kind, data)
	}

	m.mu.Lock()
	rec, ok = m.records[id]
	if !ok || rec.generation != gen || rec.state != StateLoading {
		// Superseded or evicted while decoding; drop the result.
		m.mu.Unlock()
		return
	}
	if err != nil {
		rec.state = StateFailed
		m.mu.Unlock()
		m.log.Warn("resource load failed",
			zap.String("id", id.String()),
			zap.Uint64("generation", gen),
			zap.Error(err))
		m.emit(protocol.Event{
			Tag:    protocol.TagResourceError,
			ID:     id,
			Reason: err.Error(),
		})
		return
	}
	rec.pending = dec
	rec.byteSize = dec.byteSize
	m.uploads = append(m.uploads, rec)
	m.mu.Unlock()
}

// UploadPending transfers every decoded-but-not-resident resource to the
// GPU. Only the GPU owner calls this, at a submission point, so uploads
// never interleave with an in-flight submission. It returns the number of
// resources uploaded and runs a budget eviction pass afterwards.
func (m *Manager) UploadPending(dev gpu.Device) int {
	m.mu.Lock()
	batch := m.uploads
	m.uploads = nil
	m.mu.Unlock()

	uploaded := 0
	for _, rec := range batch {
		if m.uploadOne(dev, rec) {
			uploaded++
		}
	}
	if uploaded > 0 {
		m.EvictIfOverBudget(dev)
	}
	return uploaded
}

func (m *Manager) uploadOne(dev gpu.Device, rec *record) bool {
	m.mu.Lock()
	dec := rec.pending
	if dec == nil || rec.state != StateLoading {
		m.mu.Unlock()
		return false
	}
	id, gen, kind := rec.id, rec.generation, rec.kind
	m.mu.Unlock()

	var tex gpu.TextureID
	if kind == protocol.ResourceTexture {
		var err error
		tex, err = dev.CreateTexture(&gpu.TextureDescriptor{
			Label: id.String(),
			Size: gputypes.Extent3D{
				Width:              uint32(dec.width),
				Height:             uint32(dec.height),
				DepthOrArrayLayers: 1,
			},
			Format: gputypes.TextureFormatRGBA8Unorm,
			Pixels: dec.pixels,
		})
		if err != nil {
			m.mu.Lock()
			rec.state = StateFailed
			rec.pending = nil
			m.mu.Unlock()
			m.emit(protocol.Event{
				Tag:    protocol.TagResourceError,
				ID:     id,
				Reason: err.Error(),
			})
			return false
		}
	}

	m.mu.Lock()
	if rec.generation != gen || rec.state != StateLoading {
		m.mu.Unlock()
		if tex != 0 {
			dev.DestroyTexture(tex)
		}
		return false
	}
	rec.tex = tex
	rec.face = dec.face
	rec.pending = nil
	rec.state = StateUploaded
	if rec.refCount > 0 {
		rec.state = StateInUse
	}
	m.useClock++
	rec.lastUse = m.useClock
	m.bytesInUse += rec.byteSize
	m.mu.Unlock()

	m.emit(protocol.Event{Tag: protocol.TagResourceLoaded, ID: id})
	return true
}

// Acquire binds id's current generation into a handle and takes a
// reference. It reports false for unknown ids. Acquire succeeds in any
// live state — resolution decides between real data and the placeholder.
func (m *Manager) Acquire(id uuid.UUID) (scene.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return scene.Handle{}, false
	}
	rec.refCount++
	if rec.state == StateUploaded {
		rec.state = StateInUse
	}
	m.useClock++
	rec.lastUse = m.useClock
	return scene.Handle{ID: id, Generation: rec.generation}, true
}

// Release drops a reference taken by Acquire. Releasing a stale handle
// (older generation) is a no-op: the reference died with its generation.
func (m *Manager) Release(h scene.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[h.ID]
	if !ok || rec.generation != h.Generation {
		return
	}
	if rec.refCount > 0 {
		rec.refCount--
	}
	if rec.refCount == 0 && rec.state == StateInUse {
		rec.state = StateUploaded
	}
}

// ResolveTexture maps a handle to its GPU texture. A stale generation, a
// non-resident state or a failed load all resolve to the placeholder with
// ok=false, so the caller draws something rather than blocking.
func (m *Manager) ResolveTexture(h scene.Handle) (tex gpu.TextureID, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, found := m.records[h.ID]
	if !found || rec.generation != h.Generation || rec.kind != protocol.ResourceTexture {
		return m.placeholderTex, false
	}
	if rec.state != StateUploaded && rec.state != StateInUse {
		return m.placeholderTex, false
	}
	m.useClock++
	rec.lastUse = m.useClock
	return rec.tex, true
}

// ResolveFont maps a handle to its parsed face, falling back to the
// embedded face under the same rules as ResolveTexture.
func (m *Manager) ResolveFont(h scene.Handle) (*font.Font, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, found := m.records[h.ID]
	if !found || rec.generation != h.Generation || rec.kind != protocol.ResourceFont {
		return m.placeholderFace, false
	}
	if rec.state != StateUploaded && rec.state != StateInUse {
		return m.placeholderFace, false
	}
	m.useClock++
	rec.lastUse = m.useClock
	return rec.face, true
}

// NeedsUpload reports whether a handle refers to a load still in flight
// for the current generation. The compositor uses this to keep drawing the
// placeholder without re-requesting.
func (m *Manager) NeedsUpload(h scene.Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[h.ID]
	return ok && rec.generation == h.Generation &&
		(rec.state == StateRequested || rec.state == StateLoading)
}

// Unload force-evicts a resource regardless of LRU order, unless it is
// pinned — then it is a no-op reported back as a non-fatal notice. Any
// live scene handles go stale and resolve to the placeholder. Only the
// GPU owner calls Unload.
func (m *Manager) Unload(dev gpu.Device, id uuid.UUID) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if rec.pinned {
		m.mu.Unlock()
		m.emit(protocol.Event{
			Tag:    protocol.TagError,
			Kind:   protocol.ErrKindNotice,
			Detail: fmt.Sprintf("unload of pinned resource %s ignored", id),
		})
		return
	}
	tex := m.evictLocked(rec)
	m.mu.Unlock()

	if tex != 0 {
		dev.DestroyTexture(tex)
	}
}

// evictLocked transitions rec to Evicted and returns the texture to
// destroy (0 when none). Caller holds m.mu and destroys the texture after
// unlocking.
func (m *Manager) evictLocked(rec *record) gpu.TextureID {
	tex := rec.tex
	if rec.state == StateUploaded || rec.state == StateInUse {
		m.bytesInUse -= rec.byteSize
	}
	rec.state = StateEvicted
	rec.tex = 0
	rec.face = nil
	rec.pending = nil
	rec.refCount = 0
	return tex
}

// EvictIfOverBudget evicts least-recently-used eligible records (refcount
// zero, not pinned, resident) until bytes in use fit the budget or no
// candidates remain — then a warning event is emitted instead of failing.
// Only the GPU owner calls this.
func (m *Manager) EvictIfOverBudget(dev gpu.Device) {
	var victims []gpu.TextureID
	overBudget := false

	m.mu.Lock()
	for m.bytesInUse > m.budget {
		rec := m.lruCandidateLocked()
		if rec == nil {
			overBudget = true
			break
		}
		m.log.Debug("evicting resource",
			zap.String("id", rec.id.String()),
			zap.Int64("bytes", rec.byteSize))
		if tex := m.evictLocked(rec); tex != 0 {
			victims = append(victims, tex)
		}
	}
	bytesInUse := m.bytesInUse
	m.mu.Unlock()

	for _, tex := range victims {
		dev.DestroyTexture(tex)
	}
	if overBudget {
		m.log.Warn("memory budget exceeded with no eviction candidates",
			zap.Int64("bytes_in_use", bytesInUse),
			zap.Int64("budget", m.budget))
		m.emit(protocol.Event{
			Tag:    protocol.TagError,
			Kind:   protocol.ErrKindBudget,
			Detail: fmt.Sprintf("resource bytes in use %d exceed budget %d", bytesInUse, m.budget),
		})
	}
}

// lruCandidateLocked picks the least-recently-used eligible record,
// breaking last-use ties by insertion order.
func (m *Manager) lruCandidateLocked() *record {
	var best *record
	for _, rec := range m.records {
		if rec.pinned || rec.refCount != 0 {
			continue
		}
		if rec.state != StateUploaded && rec.state != StateInUse {
			continue
		}
		if best == nil ||
			rec.lastUse < best.lastUse ||
			(rec.lastUse == best.lastUse && rec.seq < best.seq) {
			best = rec
		}
	}
	return best
}

// BytesInUse reports resident resource bytes.
func (m *Manager) BytesInUse() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesInUse
}

// Lookup returns a snapshot of id's record.
func (m *Manager) Lookup(id uuid.UUID) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// Shutdown stops accepting requests, lets in-flight loads finish and
// abandons queued-but-unstarted ones. It returns when the pool drains or
// ctx expires.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package compositor turns scene snapshots into presented GPU frames.
//
// Each frame runs a fixed state machine:
//
//	Idle -> Flatten -> Transform -> Prepass -> Batch -> Submit -> Present
//	                                                 \-> Aborted
//
// The compositor is driven by the renderer core's GPU-owner goroutine and
// is the only caller of Device.Submit/Present. Uploads happen at the start
// of a frame (a submission point) via the resource manager, never while a
// submission is in flight. A frame either reaches the GPU queue whole or
// aborts with a frame-level error event; no partial frame is observable.
//
// Per-layer meshes are cached keyed by the layer's content version, so
// layers whose dirty flag is clear skip the Transform and Prepass stages.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orinium-browser/renderer/gpu"
	"github.com/orinium-browser/renderer/protocol"
	"github.com/orinium-browser/renderer/resource"
	"github.com/orinium-browser/renderer/scene"
)

// Phase is a frame state machine phase.
type Phase uint8

// Phases. Submitted and Aborted are terminal for one frame.
const (
	PhaseIdle Phase = iota
	PhaseFlatten
	PhaseTransform
	PhasePrepass
	PhaseBatch
	PhaseSubmit
	PhasePresent
	PhaseSubmitted
	PhaseAborted
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseFlatten:
		return "Flatten"
	case PhaseTransform:
		return "Transform"
	case PhasePrepass:
		return "Prepass"
	case PhaseBatch:
		return "Batch"
	case PhaseSubmit:
		return "Submit"
	case PhasePresent:
		return "Present"
	case PhaseSubmitted:
		return "Submitted"
	case PhaseAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// ellipseSegments is the tessellation density for ellipses.
const ellipseSegments = 32

// textAdvance approximates per-rune advance as a fraction of font size.
// Shaping is out of scope; text renders as em boxes from the resolved face.
const textAdvance = 0.6

// FrameJob is an immutable unit of work: one scene snapshot to turn into
// one frame, consumed exactly once.
type FrameJob struct {
	ID        uint64
	Snapshot  *scene.Snapshot
	Timestamp time.Time

	// Captures lists pending CaptureFrame request ids to satisfy from
	// this frame. On abort the caller retains them for the next frame.
	Captures []uuid.UUID
}

// Compositor consumes FrameJobs and produces presented frames.
// Not safe for concurrent use: exactly one goroutine (the GPU owner)
// drives it.
type Compositor struct {
	dev  gpu.Device
	res  *resource.Manager
	emit resource.EmitFunc
	log  *zap.Logger

	width, height int
	vsync         bool

	cache   map[uint64]*layerMesh
	nextID  uint64
	phase   Phase
	culled  int
}

type batchKey struct {
	pipeline gpu.Pipeline
	blend    gpu.BlendMode
	tex      gpu.TextureID
}

type meshRun struct {
	key   batchKey
	verts []gpu.Vertex
}

type layerMesh struct {
	version uint64
	runs    []meshRun
}

// New creates a compositor for an already-configured device. emit and
// logger may be nil.
func New(dev gpu.Device, res *resource.Manager, width, height int, vsync bool,
	emit resource.EmitFunc, logger *zap.Logger) *Compositor {
	if emit == nil {
		emit = func(protocol.Event) {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compositor{
		dev:    dev,
		res:    res,
		emit:   emit,
		log:    logger,
		width:  width,
		height: height,
		vsync:  vsync,
		cache:  make(map[uint64]*layerMesh),
	}
}

// Phase returns the last frame's terminal phase (or Idle before any frame).
func (c *Compositor) Phase() Phase { return c.phase }

// NextFrameID allocates the id for the next frame.
func (c *Compositor) NextFrameID() uint64 {
	c.nextID++
	return c.nextID
}

// Resize rebuilds the surface for new dimensions and invalidates every
// cached layer mesh; the next frame is a full repaint.
func (c *Compositor) Resize(width, height int) error {
	if err := c.dev.Configure(width, height); err != nil {
		return fmt.Errorf("compositor: surface rebuild: %w", err)
	}
	c.width, c.height = width, height
	c.Invalidate()
	return nil
}

// Invalidate drops all cached layer meshes, forcing the next frame to
// rebuild every layer. Called after a resize or an aborted frame.
func (c *Compositor) Invalidate() {
	clear(c.cache)
}

// RenderFrame runs the full frame state machine for one job.
//
// On submission failure or swapchain loss the frame aborts atomically:
// an event is emitted, the mesh cache is invalidated so the next frame is
// a full rebuild, and the error is returned for the caller to decide on a
// surface rebuild (gpu.ErrSurfaceLost) or to simply try the next frame.
func (c *Compositor) RenderFrame(job *FrameJob) error {
	start := time.Now()
	c.culled = 0

	// Flatten: pick the layers this frame draws, refreshing stale meshes.
	c.phase = PhaseFlatten
	live := make(map[uint64]bool, len(job.Snapshot.Layers))
	occluded := c.occludedLayers(job.Snapshot)
	for i := range job.Snapshot.Layers {
		l := &job.Snapshot.Layers[i]
		live[l.ID] = true
		if occluded[l.ID] {
			// Drop the mesh too, or batch would still draw it. The cache
			// miss rebuilds the layer once its occluder goes away.
			delete(c.cache, l.ID)
			continue
		}
		cached, ok := c.cache[l.ID]
		if ok && cached.version == l.Version {
			continue // clean layer, mesh reused as-is
		}
		// Transform + Prepass for this layer only.
		c.phase = PhaseTransform
		c.cache[l.ID] = c.buildLayerMesh(l)
	}
	// Drop meshes for layers gone from the scene.
	for id := range c.cache {
		if !live[id] {
			delete(c.cache, id)
		}
	}

	// Batch: group runs by (pipeline, blend, texture) in first-appearance
	// order; within a group, layer draw order is preserved (stable).
	c.phase = PhaseBatch
	frame := c.batch(job)

	// Record & Submit: the frame is one atomic unit.
	c.phase = PhaseSubmit
	fence, err := c.dev.Submit(frame)
	if err != nil {
		return c.abort(job, fmt.Errorf("submit frame %d: %w", job.ID, err))
	}

	// Present.
	c.phase = PhasePresent
	if err := c.dev.Present(c.vsync); err != nil {
		if errors.Is(err, gpu.ErrSurfaceLost) {
			// Stale dimensions; the caller rebuilds the surface and
			// repaints rather than retrying this frame.
			return c.abort(job, err)
		}
		return c.abort(job, fmt.Errorf("present frame %d: %w", job.ID, err))
	}

	c.phase = PhaseSubmitted
	c.emit(protocol.Event{Tag: protocol.TagFramePresented, FrameID: job.ID})
	c.log.Debug("frame presented",
		zap.Uint64("frame", job.ID),
		zap.Int("batches", len(frame.Batches)),
		zap.Int("vertices", len(frame.Vertices)),
		zap.Int("culled", c.culled),
		zap.Duration("took", time.Since(start)))

	// Capture: the one place the compositor blocks on GPU completion.
	if len(job.Captures) > 0 {
		c.capture(job, fence)
	}
	return nil
}

func (c *Compositor) abort(job *FrameJob, err error) error {
	c.phase = PhaseAborted
	c.Invalidate()
	c.log.Warn("frame aborted", zap.Uint64("frame", job.ID), zap.Error(err))
	c.emit(protocol.Event{
		Tag:    protocol.TagError,
		Kind:   protocol.ErrKindFrame,
		Detail: err.Error(),
	})
	return err
}

func (c *Compositor) capture(job *FrameJob, fence gpu.FenceID) {
	if err := c.dev.WaitFence(context.Background(), fence); err != nil {
		c.log.Warn("capture fence wait failed", zap.Error(err))
		return
	}
	pixels, w, h, err := c.dev.ReadPixels()
	if err != nil {
		c.log.Warn("capture readback failed", zap.Error(err))
		return
	}
	for _, req := range job.Captures {
		c.emit(protocol.Event{
			Tag:       protocol.TagCapturedFrame,
			RequestID: req,
			Width:     uint32(w),
			Height:    uint32(h),
			Pixels:    pixels,
		})
	}
}

// occludedLayers reports layers entirely hidden behind an opaque
// full-viewport rect drawn in a later (higher) layer.
func (c *Compositor) occludedLayers(snap *scene.Snapshot) map[uint64]bool {
	out := make(map[uint64]bool)
	coveredFrom := -1
	for i := len(snap.Layers) - 1; i >= 0; i-- {
		l := &snap.Layers[i]
		if coveredFrom >= 0 {
			out[l.ID] = true
			c.culled += len(l.Primitives)
			continue
		}
		if c.layerCoversViewport(l) {
			coveredFrom = i
		}
	}
	return out
}

func (c *Compositor) layerCoversViewport(l *scene.Layer) bool {
	if l.ClipW > 0 {
		// A clipped layer covers the viewport only if its clip does.
		if l.ClipX > 0 || l.ClipY > 0 ||
			l.ClipX+l.ClipW < float32(c.width) || l.ClipY+l.ClipH < float32(c.height) {
			return false
		}
	}
	for i := range l.Primitives {
		p := &l.Primitives[i]
		if !p.Opaque() {
			continue
		}
		x, y := p.X+l.OffsetX, p.Y+l.OffsetY
		if x <= 0 && y <= 0 && x+p.W >= float32(c.width) && y+p.H >= float32(c.height) {
			return true
		}
	}
	return false
}

// buildLayerMesh runs Transform and Prepass for one layer: screen-space
// mapping, clip computation, viewport culling, tessellation and resource
// resolution. Resources not yet uploaded tessellate against the
// placeholder; the frame never blocks on a load.
func (c *Compositor) buildLayerMesh(l *scene.Layer) *layerMesh {
	mesh := &layerMesh{version: l.Version}

	clip := c.layerClip(l)
	for i := range l.Primitives {
		p := &l.Primitives[i]

		c.phase = PhaseTransform
		x, y := p.X+l.OffsetX, p.Y+l.OffsetY
		if c.cullPrimitive(p, x, y, clip) {
			c.culled++
			continue
		}

		c.phase = PhasePrepass
		c.tessellate(mesh, p, x, y, clip)
	}
	return mesh
}

type rect struct{ x0, y0, x1, y1 float32 }

func (r rect) empty() bool { return r.x1 <= r.x0 || r.y1 <= r.y0 }

// layerClip intersects the layer clip with the viewport.
func (c *Compositor) layerClip(l *scene.Layer) rect {
	r := rect{0, 0, float32(c.width), float32(c.height)}
	if l.ClipW > 0 {
		r.x0 = max(r.x0, l.ClipX+l.OffsetX)
		r.y0 = max(r.y0, l.ClipY+l.OffsetY)
		r.x1 = min(r.x1, l.ClipX+l.ClipW+l.OffsetX)
		r.y1 = min(r.y1, l.ClipY+l.ClipH+l.OffsetY)
	}
	return r
}

// cullPrimitive drops primitives fully outside the clip/viewport.
func (c *Compositor) cullPrimitive(p *scene.Primitive, x, y float32, clip rect) bool {
	if clip.empty() {
		return true
	}
	var b rect
	switch p.Kind {
	case protocol.PrimEllipse:
		b = rect{x - p.W, y - p.H, x + p.W, y + p.H}
	case protocol.PrimPolygon:
		if len(p.Points) < 6 {
			return true
		}
		b = rect{math.MaxFloat32, math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
		for i := 0; i+1 < len(p.Points); i += 2 {
			px, py := p.Points[i]+x-p.X, p.Points[i+1]+y-p.Y
			b.x0, b.y0 = min(b.x0, px), min(b.y0, py)
			b.x1, b.y1 = max(b.x1, px), max(b.y1, py)
		}
	case protocol.PrimText:
		b = rect{x, y, x + float32(len([]rune(p.Text)))*p.Size*textAdvance, y + p.Size}
	default:
		b = rect{x, y, x + p.W, y + p.H}
	}
	return b.x1 <= clip.x0 || b.x0 >= clip.x1 || b.y1 <= clip.y0 || b.y0 >= clip.y1
}

func colorOf(p *scene.Primitive) [4]float32 {
	return [4]float32{p.Color.R, p.Color.G, p.Color.B, p.Color.A}
}

// colorKey is the batch key for all untextured geometry.
var colorKey = batchKey{pipeline: gpu.PipelineColor, blend: gpu.BlendSourceOver}

// uvFull maps a quad to a whole texture.
var uvFull = rect{0, 0, 1, 1}

func (c *Compositor) tessellate(mesh *layerMesh, p *scene.Primitive, x, y float32, clip rect) {
	switch p.Kind {
	case protocol.PrimRect:
		c.emitQuad(mesh, colorKey, clampRect(rect{x, y, x + p.W, y + p.H}, clip), uvFull, colorOf(p))
	case protocol.PrimImage:
		key := batchKey{pipeline: gpu.PipelineTexture, blend: gpu.BlendSourceOver, tex: c.imageTexture(p)}
		c.emitImage(mesh, key, rect{x, y, x + p.W, y + p.H}, clip)
	case protocol.PrimEllipse:
		c.emitEllipse(mesh, p, x, y)
	case protocol.PrimPolygon:
		c.emitPolygon(mesh, p, x, y)
	case protocol.PrimText:
		c.emitText(mesh, p, x, y, clip)
	}
}

// imageTexture resolves an image's texture reference. An unbound handle
// (the load was dropped or never requested) and a stale, failed or still
// loading one all resolve to the placeholder, so an image primitive can
// never put an unknown texture id into a batch.
func (c *Compositor) imageTexture(p *scene.Primitive) gpu.TextureID {
	tex, _ := c.res.ResolveTexture(p.Resource)
	return tex
}

// run returns the mesh run for key, appending a new one in first-use order.
func (m *layerMesh) run(key batchKey) *meshRun {
	for i := range m.runs {
		if m.runs[i].key == key {
			return &m.runs[i]
		}
	}
	m.runs = append(m.runs, meshRun{key: key})
	return &m.runs[len(m.runs)-1]
}

func clampRect(r, clip rect) rect {
	return rect{
		x0: max(r.x0, clip.x0), y0: max(r.y0, clip.y0),
		x1: min(r.x1, clip.x1), y1: min(r.y1, clip.y1),
	}
}

func (c *Compositor) emitQuad(mesh *layerMesh, key batchKey, r, uv rect, col [4]float32) {
	if r.empty() {
		return
	}
	run := mesh.run(key)
	v := func(px, py, u, vv float32) gpu.Vertex {
		return gpu.Vertex{Pos: [2]float32{px, py}, UV: [2]float32{u, vv}, Color: col}
	}
	run.verts = append(run.verts,
		v(r.x0, r.y0, uv.x0, uv.y0), v(r.x1, r.y0, uv.x1, uv.y0), v(r.x1, r.y1, uv.x1, uv.y1),
		v(r.x0, r.y0, uv.x0, uv.y0), v(r.x1, r.y1, uv.x1, uv.y1), v(r.x0, r.y1, uv.x0, uv.y1),
	)
}

// emitImage emits a textured quad, cropping geometry and UVs together so a
// partially clipped image shows the matching texture region instead of the
// whole texture squashed into the visible part.
func (c *Compositor) emitImage(mesh *layerMesh, key batchKey, r, clip rect) {
	cl := clampRect(r, clip)
	if cl.empty() {
		return
	}
	w, h := r.x1-r.x0, r.y1-r.y0
	uv := rect{
		x0: (cl.x0 - r.x0) / w,
		y0: (cl.y0 - r.y0) / h,
		x1: (cl.x1 - r.x0) / w,
		y1: (cl.y1 - r.y0) / h,
	}
	c.emitQuad(mesh, key, cl, uv, [4]float32{1, 1, 1, 1})
}

func (c *Compositor) emitEllipse(mesh *layerMesh, p *scene.Primitive, cx, cy float32) {
	run := mesh.run(colorKey)
	col := colorOf(p)
	center := gpu.Vertex{Pos: [2]float32{cx, cy}, Color: col}
	for i := 0; i < ellipseSegments; i++ {
		a0 := 2 * math.Pi * float64(i) / ellipseSegments
		a1 := 2 * math.Pi * float64(i+1) / ellipseSegments
		run.verts = append(run.verts,
			center,
			gpu.Vertex{Pos: [2]float32{cx + p.W*float32(math.Cos(a0)), cy + p.H*float32(math.Sin(a0))}, Color: col},
			gpu.Vertex{Pos: [2]float32{cx + p.W*float32(math.Cos(a1)), cy + p.H*float32(math.Sin(a1))}, Color: col},
		)
	}
}

func (c *Compositor) emitPolygon(mesh *layerMesh, p *scene.Primitive, x, y float32) {
	if len(p.Points) < 6 {
		return
	}
	run := mesh.run(colorKey)
	col := colorOf(p)
	dx, dy := x-p.X, y-p.Y
	at := func(i int) gpu.Vertex {
		return gpu.Vertex{Pos: [2]float32{p.Points[i] + dx, p.Points[i+1] + dy}, Color: col}
	}
	// Triangle fan from the first vertex; convex input assumed.
	for i := 2; i+3 < len(p.Points); i += 2 {
		run.verts = append(run.verts, at(0), at(i), at(i+2))
	}
}

// emitText renders one box per rune at the primitive's top-left. Glyph
// shaping and rasterization are out of scope; the boxes preserve layout
// extent and paint order. Resolving the face keeps the record's LRU
// position warm even though the metrics are approximate.
func (c *Compositor) emitText(mesh *layerMesh, p *scene.Primitive, x, y float32, clip rect) {
	if !p.Resource.IsZero() {
		c.res.ResolveFont(p.Resource)
	}
	col := colorOf(p)
	pen := x
	for range p.Text {
		adv := p.Size * textAdvance
		box := clampRect(rect{pen, y, pen + adv*0.85, y + p.Size}, clip)
		c.emitQuad(mesh, colorKey, box, uvFull, col)
		pen += adv
	}
}

// batch assembles the frame from cached layer meshes: one gpu.Batch per
// distinct key in first-appearance order, vertices appended in layer draw
// order within each key.
func (c *Compositor) batch(job *FrameJob) *gpu.Frame {
	frame := &gpu.Frame{
		ID:     job.ID,
		Width:  c.width,
		Height: c.height,
		Clear:  [4]float32{1, 1, 1, 1},
	}

	var order []batchKey
	grouped := make(map[batchKey][]gpu.Vertex)
	for i := range job.Snapshot.Layers {
		mesh, ok := c.cache[job.Snapshot.Layers[i].ID]
		if !ok {
			continue
		}
		for j := range mesh.runs {
			run := &mesh.runs[j]
			if _, seen := grouped[run.key]; !seen {
				order = append(order, run.key)
			}
			grouped[run.key] = append(grouped[run.key], run.verts...)
		}
	}

	for _, key := range order {
		verts := grouped[key]
		frame.Batches = append(frame.Batches, gpu.Batch{
			Pipeline: key.pipeline,
			Blend:    key.blend,
			Texture:  key.tex,
			First:    len(frame.Vertices),
			Count:    len(verts),
		})
		frame.Vertices = append(frame.Vertices, verts...)
	}
	return frame
}

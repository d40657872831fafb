// Package renderer wires configuration, transport, the command queue, the
// resource manager, the scene and the compositor into the render process.
//
// Concurrency model: the transport goroutine decodes commands into the
// queue; resource decoding runs on the manager's bounded worker pool; and
// exactly one goroutine, the core loop, owns the GPU. Every Submit,
// Present, texture upload and eviction happens on that loop, so device
// access needs no locking.
//
// Shutdown is ordered: the listener closes first so no new commands
// arrive, the queue drains, the worker pool winds down, the core loop
// exits, remaining scene references are released and the device closes
// last.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orinium-browser/renderer/compositor"
	"github.com/orinium-browser/renderer/config"
	"github.com/orinium-browser/renderer/gpu"
	"github.com/orinium-browser/renderer/protocol"
	"github.com/orinium-browser/renderer/queue"
	"github.com/orinium-browser/renderer/resource"
	"github.com/orinium-browser/renderer/scene"
	"github.com/orinium-browser/renderer/transport"
)

// framePoll bounds how long the core loop sleeps in the queue before
// checking for finished resource loads. Completed uploads become visible
// within one poll interval even when no commands arrive.
const framePoll = 16 * time.Millisecond

// shutdownTimeout bounds the worker pool drain at shutdown.
const shutdownTimeout = 5 * time.Second

// Core is the renderer process. Build one with New, drive it with Run.
type Core struct {
	cfg config.Config
	log *zap.Logger

	dev  gpu.Device
	res  *resource.Manager
	q    *queue.Queue
	srv  *transport.Server
	comp *compositor.Compositor
	st   *scene.State

	// emit forwards events to the orchestrator. Swappable in tests.
	emit func(protocol.Event)

	// Loop-local state; touched only by the core loop.
	width, height   int
	dirty           bool
	pendingCaptures []uuid.UUID
}

// New validates cfg, opens the GPU backend and binds the listen address.
// Any error here is fatal at startup.
func New(cfg config.Config, logger *zap.Logger) (*Core, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dev, err := gpu.Open(cfg.Backend.String())
	if err != nil {
		return nil, err
	}
	if err := dev.Configure(cfg.Width, cfg.Height); err != nil {
		dev.Close()
		return nil, fmt.Errorf("renderer: configure %dx%d: %w", cfg.Width, cfg.Height, err)
	}
	logger.Info("gpu backend ready",
		zap.String("backend", dev.Name()),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height))

	c := &Core{
		cfg:    cfg,
		log:    logger,
		dev:    dev,
		st:     scene.NewState(),
		width:  cfg.Width,
		height: cfg.Height,
	}
	c.emit = c.sendEvent

	c.res = resource.NewManager(cfg.MemoryLimitBytes, cfg.LoadWorkers,
		func(e protocol.Event) { c.emit(e) }, logger.Named("resource"))
	if err := c.res.Init(dev); err != nil {
		dev.Close()
		return nil, err
	}

	c.q = queue.New(cfg.QueueCapacity, c.onDrop)
	c.comp = compositor.New(dev, c.res, cfg.Width, cfg.Height, cfg.EnableVsync,
		func(e protocol.Event) { c.emit(e) }, logger.Named("compositor"))

	c.srv, err = transport.Listen(&c.cfg, func(cmd protocol.Command) {
		c.q.Enqueue(&cmd)
	}, logger.Named("transport"))
	if err != nil {
		dev.Close()
		return nil, err
	}
	return c, nil
}

// Addr returns the bound listen address.
func (c *Core) Addr() net.Addr { return c.srv.Addr() }

// sendEvent forwards an event to the active session. Events emitted while
// no session is Ready are dropped; the orchestrator resynchronizes through
// StateSync on reconnect.
func (c *Core) sendEvent(e protocol.Event) {
	if err := c.srv.SendEvent(e); err != nil && !errors.Is(err, transport.ErrNoSession) {
		c.log.Warn("event send failed", zap.String("event", e.Tag.String()), zap.Error(err))
	}
}

// onDrop reports a background command discarded under queue backpressure.
// A dropped LoadResource additionally fails that resource explicitly so
// the orchestrator does not wait for a ResourceLoaded that will never come.
func (c *Core) onDrop(cmd *protocol.Command) {
	c.log.Warn("command dropped under backpressure", zap.String("tag", cmd.Tag.String()))
	c.emit(protocol.Event{
		Tag:    protocol.TagError,
		Kind:   protocol.ErrKindQueueOverflow,
		Detail: fmt.Sprintf("%s dropped under backpressure", cmd.Tag),
	})
	if cmd.Tag == protocol.TagLoadResource {
		c.emit(protocol.Event{
			Tag:    protocol.TagResourceError,
			ID:     cmd.ID,
			Reason: "load request dropped under backpressure",
		})
	}
}

// Run serves the renderer until ctx is canceled, then shuts down in order.
func (c *Core) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.srv.Serve(ctx) })
	g.Go(func() error { return c.loop(ctx) })
	err := g.Wait()

	c.srv.Close()
	c.q.Close()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := c.res.Shutdown(sctx); serr != nil {
		c.log.Warn("worker pool did not drain", zap.Error(serr))
	}
	for _, h := range c.st.Handles() {
		c.res.Release(h)
	}
	c.dev.Close()
	c.log.Info("renderer stopped")
	return err
}

// loop is the GPU-owner goroutine: it applies commands to the scene,
// uploads finished resource loads at submission points and renders frames.
func (c *Core) loop(ctx context.Context) error {
	for {
		// Block for the next command, waking at the poll interval so
		// asynchronously finished loads still reach the GPU promptly.
		tick, cancel := context.WithTimeout(ctx, framePoll)
		cmd, err := c.q.Dequeue(tick)
		cancel()

		switch {
		case err == nil:
			c.apply(ctx, cmd)
			// Batch whatever else is already queued before rendering.
			for {
				next := c.q.TryDequeue()
				if next == nil {
					break
				}
				c.apply(ctx, next)
			}
		case errors.Is(err, queue.ErrClosed):
			return nil
		case ctx.Err() != nil:
			// Shutdown: drain without blocking, then stop.
			for {
				next := c.q.TryDequeue()
				if next == nil {
					return nil
				}
				c.apply(ctx, next)
			}
		}

		// Submission point: decoded loads reach the GPU between frames.
		// Cached meshes resolved these resources to the placeholder, so a
		// completed upload forces a rebuild to bind the real textures.
		if c.res.UploadPending(c.dev) > 0 {
			c.comp.Invalidate()
			c.dirty = true
		}
		if c.dirty || len(c.pendingCaptures) > 0 {
			c.renderFrame()
		}
	}
}

// apply mutates loop state for one command.
func (c *Core) apply(ctx context.Context, cmd *protocol.Command) {
	switch cmd.Tag {
	case protocol.TagResize:
		c.resize(int(cmd.Width), int(cmd.Height))

	case protocol.TagDraw:
		c.applyDeltas(cmd.Deltas)

	case protocol.TagStateSync:
		// Initial scene: resource loads first so the deltas' references
		// bind to known records, then the layer content.
		for i := range cmd.Loads {
			c.requestLoad(ctx, &cmd.Loads[i])
		}
		c.applyDeltas(cmd.Deltas)

	case protocol.TagLoadResource:
		c.requestLoad(ctx, cmd)

	case protocol.TagUnloadResource:
		c.res.Unload(c.dev, cmd.ID)
		// References in the scene went stale; repaint with placeholders.
		c.st.MarkAllDirty()
		c.comp.Invalidate()
		c.dirty = true

	case protocol.TagCaptureFrame:
		c.pendingCaptures = append(c.pendingCaptures, cmd.RequestID)
	}
}

func (c *Core) resize(width, height int) {
	if width <= 0 || height <= 0 || width > config.MaxDimension || height > config.MaxDimension {
		c.log.Warn("resize rejected", zap.Int("width", width), zap.Int("height", height))
		c.emit(protocol.Event{
			Tag:    protocol.TagError,
			Kind:   protocol.ErrKindNotice,
			Detail: fmt.Sprintf("resize to %dx%d rejected", width, height),
		})
		return
	}
	if err := c.comp.Resize(width, height); err != nil {
		c.log.Error("surface rebuild failed", zap.Error(err))
		c.emit(protocol.Event{
			Tag:    protocol.TagError,
			Kind:   protocol.ErrKindFrame,
			Detail: err.Error(),
		})
		return
	}
	c.width, c.height = width, height
	c.st.MarkAllDirty()
	c.dirty = true
}

// applyDeltas applies layer deltas, acquiring references for new resource
// bindings and releasing the ones held by replaced content.
func (c *Core) applyDeltas(deltas []protocol.LayerDelta) {
	for i := range deltas {
		released := c.st.ApplyDelta(deltas[i], c.res.Acquire)
		for _, h := range released {
			c.res.Release(h)
		}
	}
	if len(deltas) > 0 {
		c.dirty = true
	}
}

func (c *Core) requestLoad(ctx context.Context, cmd *protocol.Command) {
	_, err := c.res.Request(ctx, cmd.ID, cmd.Kind, cmd.SourceURL, cmd.Data,
		cmd.Priority, cmd.Pinned)
	if err != nil {
		c.emit(protocol.Event{
			Tag:    protocol.TagResourceError,
			ID:     cmd.ID,
			Reason: err.Error(),
		})
	}
}

// renderFrame runs one frame. An aborted frame keeps its pending captures
// and forces the next frame to be a full repaint; a lost surface is
// rebuilt immediately with the current dimensions.
func (c *Core) renderFrame() {
	job := &compositor.FrameJob{
		ID:        c.comp.NextFrameID(),
		Snapshot:  c.st.Snapshot(),
		Timestamp: time.Now(),
		Captures:  c.pendingCaptures,
	}
	err := c.comp.RenderFrame(job)
	if err == nil {
		c.pendingCaptures = nil
		c.dirty = false
		return
	}

	c.st.MarkAllDirty()
	c.dirty = true
	if errors.Is(err, gpu.ErrSurfaceLost) {
		if rerr := c.comp.Resize(c.width, c.height); rerr != nil {
			c.log.Error("surface rebuild after loss failed", zap.Error(rerr))
		}
	}
}

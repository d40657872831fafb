// Package queue buffers decoded render commands between the transport and
// the renderer core, ordering them by priority tier under backpressure.
//
// Two tiers exist: Critical (Resize, Draw, CaptureFrame) and Background
// (LoadResource, UnloadResource). Within a tier, FIFO order is stable.
// Consecutive Draw commands that arrive before the previous Draw is
// dequeued are coalesced per layer, last writer wins, so a slow frame loop
// never accumulates redundant deltas.
//
// Backpressure: each tier has a nominal capacity. The background tier drops
// its oldest entries on overflow and reports them through the drop callback;
// the critical tier is allowed to grow past its capacity instead, because a
// dropped Resize or Draw would desynchronize the orchestrator's view of the
// surface.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/orinium-browser/renderer/protocol"
)

// ErrClosed is returned by Dequeue once the queue is closed and drained.
var ErrClosed = errors.New("queue: closed")

// Tier is a scheduling priority tier.
type Tier uint8

// Tiers.
const (
	TierCritical Tier = iota
	TierBackground
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "Critical"
	case TierBackground:
		return "Background"
	default:
		return "Unknown"
	}
}

// TierOf maps a command tag to its scheduling tier.
func TierOf(tag protocol.Tag) Tier {
	switch tag {
	case protocol.TagLoadResource, protocol.TagUnloadResource:
		return TierBackground
	default:
		return TierCritical
	}
}

// DropFunc is invoked (without the queue lock held) for every background
// command discarded under backpressure.
type DropFunc func(cmd *protocol.Command)

// Queue is a two-tier bounded command queue.
//
// Enqueue is called from the transport goroutine; Dequeue from the renderer
// core. Both are safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	critical []*protocol.Command
	backgrnd []*protocol.Command
	capacity int
	closed   bool
	onDrop   DropFunc

	// coalesced counts Draw commands merged into a pending Draw.
	coalesced uint64
	// dropped counts background commands discarded under backpressure.
	dropped uint64
}

// New creates a queue with the given per-tier capacity. onDrop may be nil.
func New(capacity int, onDrop DropFunc) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	q := &Queue{capacity: capacity, onDrop: onDrop}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds a command to its tier. Commands are immutable once enqueued;
// callers must not retain or modify cmd afterward.
func (q *Queue) Enqueue(cmd *protocol.Command) {
	var droppedCmd *protocol.Command

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	switch TierOf(cmd.Tag) {
	case TierBackground:
		if len(q.backgrnd) >= q.capacity {
			droppedCmd = q.backgrnd[0]
			q.backgrnd = q.backgrnd[1:]
			q.dropped++
		}
		q.backgrnd = append(q.backgrnd, cmd)
	default:
		if cmd.Tag == protocol.TagDraw && q.mergeDrawLocked(cmd) {
			q.coalesced++
			break
		}
		// Critical commands are never dropped; the tier grows past its
		// nominal capacity under extreme pressure.
		q.critical = append(q.critical, cmd)
	}
	q.cond.Signal()
	q.mu.Unlock()

	if droppedCmd != nil && q.onDrop != nil {
		q.onDrop(droppedCmd)
	}
}

// mergeDrawLocked merges cmd's deltas into a pending Draw when that Draw is
// the newest critical entry. Draws separated by a Resize or CaptureFrame are
// not merged, so those commands keep their ordering relative to the scene.
// Merging is per layer id: a later delta for the same layer replaces the
// earlier one; deltas for new layers are appended in arrival order.
func (q *Queue) mergeDrawLocked(cmd *protocol.Command) bool {
	n := len(q.critical)
	if n == 0 || q.critical[n-1].Tag != protocol.TagDraw {
		return false
	}
	pending := q.critical[n-1]
	q.critical[n-1] = &protocol.Command{
		Tag:    protocol.TagDraw,
		Deltas: mergeDeltas(pending.Deltas, cmd.Deltas),
	}
	return true
}

// mergeDeltas overlays later deltas on earlier ones by layer id.
// The earlier slice's order is preserved; layers new in later are appended.
func mergeDeltas(earlier, later []protocol.LayerDelta) []protocol.LayerDelta {
	out := make([]protocol.LayerDelta, len(earlier))
	copy(out, earlier)
	index := make(map[uint64]int, len(out))
	for i := range out {
		index[out[i].LayerID] = i
	}
	for _, d := range later {
		if i, ok := index[d.LayerID]; ok {
			out[i] = d
		} else {
			index[d.LayerID] = len(out)
			out = append(out, d)
		}
	}
	return out
}

// Dequeue returns the next command, critical tier first, FIFO within a
// tier. It blocks until a command is available, the context is canceled,
// or the queue is closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (*protocol.Command, error) {
	// Wake the cond loop when the context is canceled.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if cmd := q.popLocked(); cmd != nil {
			return cmd, nil
		}
		if q.closed {
			return nil, ErrClosed
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		q.cond.Wait()
	}
}

// TryDequeue returns the next command without blocking, or nil.
func (q *Queue) TryDequeue() *protocol.Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() *protocol.Command {
	if len(q.critical) > 0 {
		cmd := q.critical[0]
		q.critical = q.critical[1:]
		return cmd
	}
	if len(q.backgrnd) > 0 {
		cmd := q.backgrnd[0]
		q.backgrnd = q.backgrnd[1:]
		return cmd
	}
	return nil
}

// Close stops accepting new commands. Pending commands remain dequeueable;
// after the queue drains, Dequeue returns ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Len returns the number of pending commands across both tiers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.critical) + len(q.backgrnd)
}

// Stats reports coalesced and dropped command counts.
func (q *Queue) Stats() (coalesced, dropped uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.coalesced, q.dropped
}

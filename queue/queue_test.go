package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/orinium-browser/renderer/protocol"
)

func draw(deltas ...protocol.LayerDelta) *protocol.Command {
	return &protocol.Command{Tag: protocol.TagDraw, Deltas: deltas}
}

func load(id uuid.UUID) *protocol.Command {
	return &protocol.Command{Tag: protocol.TagLoadResource, ID: id}
}

func layer(id uint64, prims ...protocol.Primitive) protocol.LayerDelta {
	return protocol.LayerDelta{LayerID: id, Primitives: prims}
}

func TestPriorityOrdering(t *testing.T) {
	q := New(16, nil)
	q.Enqueue(load(uuid.New()))
	q.Enqueue(&protocol.Command{Tag: protocol.TagResize, Width: 800, Height: 600})
	q.Enqueue(load(uuid.New()))
	q.Enqueue(&protocol.Command{Tag: protocol.TagCaptureFrame, RequestID: uuid.New()})

	wantTags := []protocol.Tag{
		protocol.TagResize, protocol.TagCaptureFrame,
		protocol.TagLoadResource, protocol.TagLoadResource,
	}
	for i, want := range wantTags {
		cmd := q.TryDequeue()
		if cmd == nil {
			t.Fatalf("entry %d: queue empty", i)
		}
		if cmd.Tag != want {
			t.Errorf("entry %d: tag = %v, want %v", i, cmd.Tag, want)
		}
	}
}

func TestBackgroundFIFOStable(t *testing.T) {
	q := New(16, nil)
	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		q.Enqueue(load(ids[i]))
	}
	for i, want := range ids {
		cmd := q.TryDequeue()
		if cmd == nil || cmd.ID != want {
			t.Fatalf("entry %d out of order", i)
		}
	}
}

func TestDrawCoalescing(t *testing.T) {
	q := New(16, nil)
	red := protocol.Primitive{Kind: protocol.PrimRect, W: 10, H: 10, Color: protocol.Color{R: 1, A: 1}}
	blue := protocol.Primitive{Kind: protocol.PrimRect, W: 20, H: 20, Color: protocol.Color{B: 1, A: 1}}

	q.Enqueue(draw(layer(1, red), layer(2, red)))
	q.Enqueue(draw(layer(2, blue), layer(3, blue)))

	cmd := q.TryDequeue()
	if cmd == nil || cmd.Tag != protocol.TagDraw {
		t.Fatal("expected one coalesced Draw")
	}
	if q.TryDequeue() != nil {
		t.Fatal("second Draw should have been merged")
	}

	// Union of layers, later writes win per layer, earlier order preserved.
	if len(cmd.Deltas) != 3 {
		t.Fatalf("delta count = %d, want 3", len(cmd.Deltas))
	}
	if cmd.Deltas[0].LayerID != 1 || cmd.Deltas[1].LayerID != 2 || cmd.Deltas[2].LayerID != 3 {
		t.Errorf("layer order = %d,%d,%d", cmd.Deltas[0].LayerID, cmd.Deltas[1].LayerID, cmd.Deltas[2].LayerID)
	}
	if cmd.Deltas[1].Primitives[0].Color != (protocol.Color{B: 1, A: 1}) {
		t.Error("layer 2 should carry the later (blue) content")
	}

	if coalesced, _ := q.Stats(); coalesced != 1 {
		t.Errorf("coalesced = %d, want 1", coalesced)
	}
}

func TestNoCoalesceAcrossResize(t *testing.T) {
	q := New(16, nil)
	q.Enqueue(draw(layer(1)))
	q.Enqueue(&protocol.Command{Tag: protocol.TagResize, Width: 100, Height: 100})
	q.Enqueue(draw(layer(2)))

	var tags []protocol.Tag
	for cmd := q.TryDequeue(); cmd != nil; cmd = q.TryDequeue() {
		tags = append(tags, cmd.Tag)
	}
	want := []protocol.Tag{protocol.TagDraw, protocol.TagResize, protocol.TagDraw}
	if len(tags) != len(want) {
		t.Fatalf("got %d commands, want %d", len(tags), len(want))
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("entry %d: %v, want %v", i, tags[i], want[i])
		}
	}
}

func TestBackgroundDropOldest(t *testing.T) {
	var mu sync.Mutex
	var dropped []uuid.UUID
	q := New(2, func(cmd *protocol.Command) {
		mu.Lock()
		dropped = append(dropped, cmd.ID)
		mu.Unlock()
	})

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		q.Enqueue(load(id))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 2 {
		t.Fatalf("dropped %d, want 2", len(dropped))
	}
	// Oldest first.
	if dropped[0] != ids[0] || dropped[1] != ids[1] {
		t.Error("wrong entries dropped; oldest background entries must go first")
	}
	if _, n := q.Stats(); n != 2 {
		t.Errorf("dropped stat = %d, want 2", n)
	}
}

func TestCriticalNeverDropped(t *testing.T) {
	q := New(2, func(*protocol.Command) {
		t.Error("critical command dropped")
	})
	const n = 50
	for i := 0; i < n; i++ {
		q.Enqueue(&protocol.Command{Tag: protocol.TagCaptureFrame, RequestID: uuid.New()})
	}
	got := 0
	for q.TryDequeue() != nil {
		got++
	}
	if got != n {
		t.Errorf("dequeued %d critical commands, want %d", got, n)
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(4, nil)
	got := make(chan *protocol.Command, 1)
	go func() {
		cmd, err := q.Dequeue(context.Background())
		if err != nil {
			t.Errorf("Dequeue: %v", err)
		}
		got <- cmd
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(&protocol.Command{Tag: protocol.TagResize, Width: 1, Height: 1})

	select {
	case cmd := <-got:
		if cmd.Tag != protocol.TagResize {
			t.Errorf("tag = %v", cmd.Tag)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake")
	}
}

func TestDequeueContextCancel(t *testing.T) {
	q := New(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errc <- err
	}()
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not observe cancellation")
	}
}

func TestCloseDrains(t *testing.T) {
	q := New(4, nil)
	q.Enqueue(load(uuid.New()))
	q.Close()

	if cmd, err := q.Dequeue(context.Background()); err != nil || cmd == nil {
		t.Fatalf("pending command should survive Close: %v", err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}

	// Enqueue after close is a no-op.
	q.Enqueue(load(uuid.New()))
	if q.Len() != 0 {
		t.Error("enqueue after close should be ignored")
	}
}

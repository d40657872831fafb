package resource

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/orinium-browser/renderer/gpu"
	"github.com/orinium-browser/renderer/gpu/software"
	"github.com/orinium-browser/renderer/protocol"
	"github.com/orinium-browser/renderer/scene"
)

// eventLog collects emitted events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (l *eventLog) emit(e protocol.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) count(tag protocol.Tag) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Tag == tag {
			n++
		}
	}
	return n
}

// pngBytes encodes a solid-color image of the given size.
func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func newTestManager(t *testing.T, budget int64) (*Manager, *software.Device, *eventLog) {
	t.Helper()
	dev := software.New()
	if err := dev.Configure(64, 64); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	log := &eventLog{}
	m := NewManager(budget, 2, log.emit, nil)
	if err := m.Init(dev); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m, dev, log
}

// waitUpload pumps UploadPending until n resources have been uploaded.
func waitUpload(t *testing.T, m *Manager, dev gpu.Device, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	total := 0
	for total < n {
		total += m.UploadPending(dev)
		if time.Now().After(deadline) {
			t.Fatalf("uploaded %d of %d resources before timeout", total, n)
		}
		time.Sleep(time.Millisecond)
	}
}

// waitState polls until id reaches the wanted state.
func waitState(t *testing.T, m *Manager, id uuid.UUID, want State) Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, ok := m.Lookup(id)
		if ok && rec.State == want {
			return rec
		}
		if time.Now().After(deadline) {
			t.Fatalf("resource %s never reached %v (now %v)", id, want, rec.State)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLoadAndUploadTexture(t *testing.T) {
	m, dev, log := newTestManager(t, 1<<20)
	defer m.Shutdown(context.Background())

	id := uuid.New()
	rec, err := m.Request(context.Background(), id, protocol.ResourceTexture,
		"", pngBytes(t, 2, 2), 0, false)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if rec.Generation != 1 {
		t.Errorf("generation = %d, want 1", rec.Generation)
	}

	waitUpload(t, m, dev, 1)
	rec = waitState(t, m, id, StateUploaded)
	if rec.ByteSize != 2*2*4 {
		t.Errorf("byte size = %d, want 16", rec.ByteSize)
	}
	if log.count(protocol.TagResourceLoaded) != 1 {
		t.Errorf("ResourceLoaded events = %d, want 1", log.count(protocol.TagResourceLoaded))
	}

	h, ok := m.Acquire(id)
	if !ok {
		t.Fatal("Acquire failed for uploaded resource")
	}
	if tex, ok := m.ResolveTexture(h); !ok || tex == 0 {
		t.Errorf("ResolveTexture = (%d, %v), want real texture", tex, ok)
	}
	if rec, _ := m.Lookup(id); rec.State != StateInUse {
		t.Errorf("state = %v after Acquire, want InUse", rec.State)
	}
}

func TestLoadFont(t *testing.T) {
	m, dev, _ := newTestManager(t, 10<<20)
	defer m.Shutdown(context.Background())

	id := uuid.New()
	if _, err := m.Request(context.Background(), id, protocol.ResourceFont,
		"", goregular.TTF, 0, false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitUpload(t, m, dev, 1)

	h, _ := m.Acquire(id)
	face, ok := m.ResolveFont(h)
	if !ok || face == nil {
		t.Fatalf("ResolveFont = (%v, %v), want parsed face", face, ok)
	}
}

func TestRequestIdempotent(t *testing.T) {
	m, dev, log := newTestManager(t, 1<<20)
	defer m.Shutdown(context.Background())

	id := uuid.New()
	data := pngBytes(t, 4, 4)

	// Two concurrent requests for the same id must start exactly one load.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Request(context.Background(), id, protocol.ResourceTexture,
				"", data, 0, false); err != nil {
				t.Errorf("Request: %v", err)
			}
		}()
	}
	wg.Wait()

	waitUpload(t, m, dev, 1)
	rec := waitState(t, m, id, StateUploaded)
	if rec.Generation != 1 {
		t.Errorf("generation = %d, want 1 (duplicate load started)", rec.Generation)
	}
	if n := log.count(protocol.TagResourceLoaded); n != 1 {
		t.Errorf("ResourceLoaded events = %d, want exactly 1", n)
	}
}

func TestFailedDecodeEmitsErrorAndPlaceholder(t *testing.T) {
	m, _, log := newTestManager(t, 1<<20)
	defer m.Shutdown(context.Background())

	id := uuid.New()
	if _, err := m.Request(context.Background(), id, protocol.ResourceTexture,
		"", []byte("not an image"), 0, false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitState(t, m, id, StateFailed)

	if n := log.count(protocol.TagResourceError); n != 1 {
		t.Fatalf("ResourceError events = %d, want 1", n)
	}

	// Draws referencing the failed resource get the placeholder, never block.
	h, ok := m.Acquire(id)
	if !ok {
		t.Fatal("Acquire should succeed for a failed record")
	}
	tex, ok := m.ResolveTexture(h)
	if ok {
		t.Error("failed resource should not resolve as real")
	}
	if tex == 0 {
		t.Error("failed resource should resolve to the placeholder texture")
	}
}

func TestStaleHandleNeverResolves(t *testing.T) {
	m, dev, _ := newTestManager(t, 1<<20)
	defer m.Shutdown(context.Background())

	id := uuid.New()
	data := pngBytes(t, 2, 2)
	if _, err := m.Request(context.Background(), id, protocol.ResourceTexture, "", data, 0, false); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitUpload(t, m, dev, 1)

	stale, _ := m.Acquire(id)
	m.Release(stale)

	// Evict and reload: the id comes back under generation 2.
	m.Unload(dev, id)
	if _, err := m.Request(context.Background(), id, protocol.ResourceTexture, "", data, 0, false); err != nil {
		t.Fatalf("re-Request: %v", err)
	}
	waitUpload(t, m, dev, 1)
	rec := waitState(t, m, id, StateUploaded)
	if rec.Generation != 2 {
		t.Fatalf("generation = %d, want 2", rec.Generation)
	}

	if _, ok := m.ResolveTexture(stale); ok {
		t.Error("stale handle resolved to current GPU data")
	}
	fresh, _ := m.Acquire(id)
	if _, ok := m.ResolveTexture(fresh); !ok {
		t.Error("fresh handle should resolve")
	}
	if fresh.Generation == stale.Generation {
		t.Error("generations must differ across reload")
	}
}

func TestBudgetEvictionLRUAndPinned(t *testing.T) {
	// Budget fits exactly two 4x4 textures (64 bytes each).
	m, dev, _ := newTestManager(t, 128)
	defer m.Shutdown(context.Background())

	data := pngBytes(t, 4, 4)
	pinned := uuid.New()
	if _, err := m.Request(context.Background(), pinned, protocol.ResourceTexture, "", data, 0, true); err != nil {
		t.Fatalf("Request pinned: %v", err)
	}
	waitUpload(t, m, dev, 1)

	// Flood the budget with unpinned textures.
	flood := make([]uuid.UUID, 4)
	for i := range flood {
		flood[i] = uuid.New()
		if _, err := m.Request(context.Background(), flood[i], protocol.ResourceTexture, "", data, 0, false); err != nil {
			t.Fatalf("Request flood: %v", err)
		}
	}
	waitUpload(t, m, dev, len(flood))

	if rec, _ := m.Lookup(pinned); rec.State == StateEvicted {
		t.Error("pinned resource was evicted by budget pressure")
	}
	if got := m.BytesInUse(); got > 128 {
		t.Errorf("bytes in use = %d, over budget with eligible candidates", got)
	}

	// Oldest unpinned uploads were evicted first.
	evicted := 0
	for _, id := range flood {
		if rec, _ := m.Lookup(id); rec.State == StateEvicted {
			evicted++
		}
	}
	if evicted == 0 {
		t.Error("no flood texture was evicted despite budget pressure")
	}
}

func TestReferencedRecordsSurviveEviction(t *testing.T) {
	// Budget of one 4x4 texture; both resources referenced.
	m, dev, log := newTestManager(t, 64)
	defer m.Shutdown(context.Background())

	data := pngBytes(t, 4, 4)
	a, b := uuid.New(), uuid.New()
	var handles []scene.Handle
	for _, id := range []uuid.UUID{a, b} {
		if _, err := m.Request(context.Background(), id, protocol.ResourceTexture, "", data, 0, false); err != nil {
			t.Fatalf("Request: %v", err)
		}
		// Reference before upload so the budget pass has no candidates.
		h, ok := m.Acquire(id)
		if !ok {
			t.Fatalf("Acquire(%s) failed", id)
		}
		handles = append(handles, h)
	}
	waitUpload(t, m, dev, 2)

	m.EvictIfOverBudget(dev)

	if rec, _ := m.Lookup(a); rec.State == StateEvicted {
		t.Error("referenced record evicted")
	}
	if rec, _ := m.Lookup(b); rec.State == StateEvicted {
		t.Error("referenced record evicted")
	}
	// Over budget with no candidates: warning event, not a failure.
	if n := log.count(protocol.TagError); n == 0 {
		t.Error("expected a budget warning event")
	}

	for _, h := range handles {
		m.Release(h)
	}
}

func TestUnloadPinnedIsNotice(t *testing.T) {
	m, dev, log := newTestManager(t, 1<<20)
	defer m.Shutdown(context.Background())

	id := uuid.New()
	if _, err := m.Request(context.Background(), id, protocol.ResourceTexture,
		"", pngBytes(t, 2, 2), 0, true); err != nil {
		t.Fatalf("Request: %v", err)
	}
	waitUpload(t, m, dev, 1)

	m.Unload(dev, id)
	if rec, _ := m.Lookup(id); rec.State == StateEvicted {
		t.Error("pinned resource must not be unloaded")
	}
	if n := log.count(protocol.TagError); n != 1 {
		t.Errorf("notice events = %d, want 1", n)
	}
}

func TestUnloadWhileLoadQueuedStaysEvicted(t *testing.T) {
	dev := software.New()
	if err := dev.Configure(64, 64); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	log := &eventLog{}
	m := NewManager(1<<20, 1, log.emit, nil)
	if err := m.Init(dev); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer m.Shutdown(context.Background())

	// Hold the only worker permit so the next load stays queued.
	if err := m.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("sem.Acquire: %v", err)
	}

	id := uuid.New()
	if _, err := m.Request(context.Background(), id, protocol.ResourceTexture,
		"", pngBytes(t, 2, 2), 0, false); err != nil {
		t.Fatalf("Request: %v", err)
	}

	// The eviction lands before the worker ever runs.
	m.Unload(dev, id)
	if rec, _ := m.Lookup(id); rec.State != StateEvicted {
		t.Fatalf("state after Unload = %v, want Evicted", rec.State)
	}

	// Let the queued worker run; it must notice the eviction and abandon.
	m.sem.Release(1)
	m.wg.Wait()

	rec, _ := m.Lookup(id)
	if rec.State != StateEvicted || rec.Generation != 1 {
		t.Fatalf("unloaded resource resurrected: state=%v generation=%d",
			rec.State, rec.Generation)
	}
	if n := m.UploadPending(dev); n != 0 {
		t.Errorf("uploaded %d resources from an abandoned load", n)
	}
	if n := log.count(protocol.TagResourceLoaded); n != 0 {
		t.Errorf("ResourceLoaded events = %d, want 0", n)
	}
}

func TestShutdownRejectsNewRequests(t *testing.T) {
	m, _, _ := newTestManager(t, 1<<20)
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	_, err := m.Request(context.Background(), uuid.New(), protocol.ResourceTexture,
		"", nil, 0, false)
	if err == nil {
		t.Error("Request after Shutdown should fail")
	}
}

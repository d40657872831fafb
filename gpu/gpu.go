// Package gpu defines the abstract GPU submission boundary.
//
// A Device owns the surface, GPU-resident textures and the submission
// queue. Submission is single-writer: exactly one goroutine (the renderer
// core's GPU owner) calls Submit, Present, Resize, CreateTexture and
// DestroyTexture. A Device never needs internal locking for those paths;
// WaitFence and ReadPixels are the only calls that may block.
//
// Concrete devices register themselves in the backend registry (see
// registry.go); the backend is chosen once at startup from validated
// configuration.
package gpu

import (
	"context"
	"errors"

	"github.com/gogpu/gputypes"
)

// Common device errors.
var (
	// ErrSurfaceLost reports a lost or outdated swapchain, e.g. after a
	// window resize race. The caller aborts the frame and rebuilds the
	// surface with fresh dimensions rather than retrying.
	ErrSurfaceLost = errors.New("gpu: surface lost")

	// ErrDeviceClosed is returned by operations on a closed device.
	ErrDeviceClosed = errors.New("gpu: device closed")

	// ErrSubmitFailed reports a rejected frame submission. The frame is
	// aborted as a unit; no partial state reaches the GPU queue.
	ErrSubmitFailed = errors.New("gpu: submission failed")
)

// TextureID identifies a GPU-resident texture. The zero value is invalid.
type TextureID uint64

// FenceID identifies a submission fence. The zero value is invalid.
type FenceID uint64

// TextureDescriptor describes a texture upload.
type TextureDescriptor struct {
	Label  string
	Size   gputypes.Extent3D
	Format gputypes.TextureFormat
	// Pixels is tightly packed RGBA8 data, one row after another.
	Pixels []byte
}

// Vertex is the interleaved vertex layout shared by every pipeline:
// screen-space position, texture coordinates, straight-alpha color.
type Vertex struct {
	Pos   [2]float32
	UV    [2]float32
	Color [4]float32
}

// Pipeline selects a shader pipeline for a batch.
type Pipeline uint8

// Pipelines.
const (
	// PipelineColor renders untextured, vertex-colored geometry.
	PipelineColor Pipeline = iota

	// PipelineTexture samples a bound texture modulated by vertex color.
	PipelineTexture
)

// String returns the pipeline name.
func (p Pipeline) String() string {
	switch p {
	case PipelineColor:
		return "Color"
	case PipelineTexture:
		return "Texture"
	default:
		return "Unknown"
	}
}

// BlendMode selects how a batch composites over the frame.
type BlendMode uint8

// Blend modes.
const (
	BlendSourceOver BlendMode = iota
	BlendAdditive
)

// Batch is a contiguous run of vertices sharing pipeline, blend mode and
// texture. Batches are drawn in slice order; within a batch, vertex order
// preserves primitive submission order.
type Batch struct {
	Pipeline Pipeline
	Blend    BlendMode
	// Texture is set only for PipelineTexture batches.
	Texture TextureID

	First int
	Count int
}

// Frame is one frame's complete GPU command sequence. Submit consumes it
// as a single atomic unit: either every batch reaches the GPU queue or the
// submission fails as a whole.
type Frame struct {
	ID       uint64
	Width    int
	Height   int
	Clear    [4]float32
	Vertices []Vertex
	Batches  []Batch
}

// Device is the single-writer GPU submission boundary.
type Device interface {
	// Name returns the backend identifier (e.g. "software", "wgpu").
	Name() string

	// Configure (re)builds the surface/swapchain for the given dimensions.
	// Called at startup and on every Resize command.
	Configure(width, height int) error

	// CreateTexture uploads a texture and returns its id. Only called at a
	// submission point, never while a frame submission is in flight.
	CreateTexture(desc *TextureDescriptor) (TextureID, error)

	// DestroyTexture releases a texture. Destroying an unknown id is a
	// no-op so eviction can race benignly with device teardown.
	DestroyTexture(id TextureID)

	// Submit enqueues the frame atomically and returns a fence that
	// signals when the GPU has finished executing it.
	Submit(f *Frame) (FenceID, error)

	// Present presents the last submitted frame. vsync selects blocking
	// presentation at the display rate. Returns ErrSurfaceLost when the
	// swapchain must be rebuilt.
	Present(vsync bool) error

	// WaitFence blocks until the fence signals or the context is done.
	WaitFence(ctx context.Context, fence FenceID) error

	// ReadPixels synchronously reads back the last presented frame as
	// tightly packed RGBA8 rows. Only used for frame capture.
	ReadPixels() (pixels []byte, width, height int, err error)

	// Close releases the device. Pending fences signal; later calls fail
	// with ErrDeviceClosed.
	Close()
}

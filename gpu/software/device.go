// Package software provides the CPU reference implementation of the gpu
// Device boundary.
//
// It rasterizes submitted triangles into an in-memory RGBA8 framebuffer.
// Fences signal immediately because execution is synchronous. The device
// exists for headless operation, tests and frame capture; fidelity targets
// correctness of coverage and paint order, not antialiasing quality.
package software

import (
	"context"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/orinium-browser/renderer/gpu"
)

func init() {
	gpu.Register(gpu.BackendSoftware, func() (gpu.Device, error) {
		return New(), nil
	})
}

type texture struct {
	w, h   int
	pixels []byte // RGBA8
}

// Device is the software GPU device. It is not safe for concurrent use
// except WaitFence and ReadPixels, matching the single-writer contract of
// the gpu package.
type Device struct {
	width, height int
	frame         []byte // RGBA8 framebuffer, presented
	back          []byte // RGBA8 framebuffer, in progress

	textures map[gpu.TextureID]*texture
	nextTex  gpu.TextureID

	lastFence gpu.FenceID
	presented bool
	closed    bool
}

// New creates an unconfigured software device.
func New() *Device {
	return &Device{textures: make(map[gpu.TextureID]*texture)}
}

// Name returns "software".
func (d *Device) Name() string { return gpu.BackendSoftware }

// Configure allocates framebuffers for the given dimensions.
func (d *Device) Configure(width, height int) error {
	if d.closed {
		return gpu.ErrDeviceClosed
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("software: invalid surface size %dx%d", width, height)
	}
	d.width, d.height = width, height
	d.frame = make([]byte, width*height*4)
	d.back = make([]byte, width*height*4)
	d.presented = false
	return nil
}

// CreateTexture copies the pixel data into a device-owned texture.
func (d *Device) CreateTexture(desc *gpu.TextureDescriptor) (gpu.TextureID, error) {
	if d.closed {
		return 0, gpu.ErrDeviceClosed
	}
	if desc.Format != gputypes.TextureFormatRGBA8Unorm {
		return 0, fmt.Errorf("software: unsupported texture format %v", desc.Format)
	}
	w, h := int(desc.Size.Width), int(desc.Size.Height)
	if w <= 0 || h <= 0 || len(desc.Pixels) < w*h*4 {
		return 0, fmt.Errorf("software: bad texture data for %q (%dx%d, %d bytes)",
			desc.Label, w, h, len(desc.Pixels))
	}
	pixels := make([]byte, w*h*4)
	copy(pixels, desc.Pixels)

	d.nextTex++
	d.textures[d.nextTex] = &texture{w: w, h: h, pixels: pixels}
	return d.nextTex, nil
}

// DestroyTexture releases a texture. Unknown ids are ignored.
func (d *Device) DestroyTexture(id gpu.TextureID) {
	delete(d.textures, id)
}

// TextureCount reports live textures, for budget tests.
func (d *Device) TextureCount() int { return len(d.textures) }

// Submit rasterizes the frame into the back buffer. The whole frame is
// validated before any pixel is written so a failed submission leaves the
// previous contents untouched.
func (d *Device) Submit(f *gpu.Frame) (gpu.FenceID, error) {
	if d.closed {
		return 0, gpu.ErrDeviceClosed
	}
	if d.frame == nil {
		return 0, fmt.Errorf("%w: device not configured", gpu.ErrSubmitFailed)
	}
	for i := range f.Batches {
		b := &f.Batches[i]
		if b.First < 0 || b.First+b.Count > len(f.Vertices) || b.Count%3 != 0 {
			return 0, fmt.Errorf("%w: batch %d out of range", gpu.ErrSubmitFailed, i)
		}
		if b.Pipeline == gpu.PipelineTexture {
			if _, ok := d.textures[b.Texture]; !ok {
				return 0, fmt.Errorf("%w: batch %d references unknown texture %d",
					gpu.ErrSubmitFailed, i, b.Texture)
			}
		}
	}

	clearRGBA(d.back, f.Clear)
	for i := range f.Batches {
		b := &f.Batches[i]
		var tex *texture
		if b.Pipeline == gpu.PipelineTexture {
			tex = d.textures[b.Texture]
		}
		for v := b.First; v+2 < b.First+b.Count; v += 3 {
			d.triangle(&f.Vertices[v], &f.Vertices[v+1], &f.Vertices[v+2], tex)
		}
	}

	d.lastFence++
	return d.lastFence, nil
}

// Present swaps the rasterized back buffer to the front.
func (d *Device) Present(vsync bool) error {
	if d.closed {
		return gpu.ErrDeviceClosed
	}
	d.frame, d.back = d.back, d.frame
	d.presented = true
	_ = vsync // no display to pace against
	return nil
}

// WaitFence returns immediately for signaled fences; software execution is
// synchronous so every issued fence is already signaled.
func (d *Device) WaitFence(ctx context.Context, fence gpu.FenceID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.closed {
		return gpu.ErrDeviceClosed
	}
	if fence == 0 || fence > d.lastFence {
		return fmt.Errorf("software: unknown fence %d", fence)
	}
	return nil
}

// ReadPixels copies out the last presented frame.
func (d *Device) ReadPixels() ([]byte, int, int, error) {
	if d.closed {
		return nil, 0, 0, gpu.ErrDeviceClosed
	}
	if !d.presented {
		return nil, 0, 0, fmt.Errorf("software: no frame presented")
	}
	out := make([]byte, len(d.frame))
	copy(out, d.frame)
	return out, d.width, d.height, nil
}

// Close releases the framebuffers and textures.
func (d *Device) Close() {
	d.closed = true
	d.frame = nil
	d.back = nil
	d.textures = map[gpu.TextureID]*texture{}
}

func clearRGBA(dst []byte, c [4]float32) {
	r, g, b, a := toByte(c[0]), toByte(c[1]), toByte(c[2]), toByte(c[3])
	for i := 0; i < len(dst); i += 4 {
		dst[i], dst[i+1], dst[i+2], dst[i+3] = r, g, b, a
	}
}

func toByte(v float32) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return byte(v*255 + 0.5)
	}
}

// triangle fills one triangle with barycentric interpolation of UV and
// color, source-over blended into the back buffer.
func (d *Device) triangle(v0, v1, v2 *gpu.Vertex, tex *texture) {
	minX := int(min3(v0.Pos[0], v1.Pos[0], v2.Pos[0]))
	maxX := int(max3(v0.Pos[0], v1.Pos[0], v2.Pos[0]) + 1)
	minY := int(min3(v0.Pos[1], v1.Pos[1], v2.Pos[1]))
	maxY := int(max3(v0.Pos[1], v1.Pos[1], v2.Pos[1]) + 1)
	minX, maxX = clamp(minX, 0, d.width), clamp(maxX, 0, d.width)
	minY, maxY = clamp(minY, 0, d.height), clamp(maxY, 0, d.height)

	area := edge(v0.Pos, v1.Pos, v2.Pos)
	if area == 0 {
		return
	}

	for y := minY; y < maxY; y++ {
		for x := minX; x < maxX; x++ {
			p := [2]float32{float32(x) + 0.5, float32(y) + 0.5}
			w0 := edge(v1.Pos, v2.Pos, p)
			w1 := edge(v2.Pos, v0.Pos, p)
			w2 := edge(v0.Pos, v1.Pos, p)
			if !sameSign(w0, w1, w2, area) {
				continue
			}
			b0, b1, b2 := w0/area, w1/area, w2/area

			cr := b0*v0.Color[0] + b1*v1.Color[0] + b2*v2.Color[0]
			cg := b0*v0.Color[1] + b1*v1.Color[1] + b2*v2.Color[1]
			cb := b0*v0.Color[2] + b1*v1.Color[2] + b2*v2.Color[2]
			ca := b0*v0.Color[3] + b1*v1.Color[3] + b2*v2.Color[3]

			if tex != nil {
				u := b0*v0.UV[0] + b1*v1.UV[0] + b2*v2.UV[0]
				v := b0*v0.UV[1] + b1*v1.UV[1] + b2*v2.UV[1]
				tr, tg, tb, ta := tex.sample(u, v)
				cr, cg, cb, ca = cr*tr, cg*tg, cb*tb, ca*ta
			}

			d.blendPixel(x, y, cr, cg, cb, ca)
		}
	}
}

func (t *texture) sample(u, v float32) (r, g, b, a float32) {
	x := clamp(int(u*float32(t.w)), 0, t.w-1)
	y := clamp(int(v*float32(t.h)), 0, t.h-1)
	i := (y*t.w + x) * 4
	return float32(t.pixels[i]) / 255, float32(t.pixels[i+1]) / 255,
		float32(t.pixels[i+2]) / 255, float32(t.pixels[i+3]) / 255
}

func (d *Device) blendPixel(x, y int, r, g, b, a float32) {
	if a <= 0 {
		return
	}
	i := (y*d.width + x) * 4
	inv := 1 - a
	d.back[i] = toByte(r*a + float32(d.back[i])/255*inv)
	d.back[i+1] = toByte(g*a + float32(d.back[i+1])/255*inv)
	d.back[i+2] = toByte(b*a + float32(d.back[i+2])/255*inv)
	d.back[i+3] = toByte(a + float32(d.back[i+3])/255*inv)
}

func edge(a, b, p [2]float32) float32 {
	return (b[0]-a[0])*(p[1]-a[1]) - (b[1]-a[1])*(p[0]-a[0])
}

func sameSign(w0, w1, w2, area float32) bool {
	if area > 0 {
		return w0 >= 0 && w1 >= 0 && w2 >= 0
	}
	return w0 <= 0 && w1 <= 0 && w2 <= 0
}

func min3(a, b, c float32) float32 { return min(a, min(b, c)) }
func max3(a, b, c float32) float32 { return max(a, max(b, c)) }

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// MaxFrameSize bounds a single frame (tag + payload). Frames larger than
// this are rejected before allocation, protecting against corrupt or
// hostile length prefixes.
const MaxFrameSize = 64 << 20

// Codec errors.
var (
	ErrFrameTooLarge = fmt.Errorf("protocol: frame exceeds %d bytes", MaxFrameSize)
	ErrTruncated     = fmt.Errorf("protocol: truncated payload")
	ErrUnknownTag    = fmt.Errorf("protocol: unknown message tag")
)

// writer accumulates a message body (tag followed by payload).
type writer struct {
	buf []byte
}

func newWriter(tag Tag) *writer {
	return &writer{buf: append(make([]byte, 0, 64), byte(tag))}
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) i32(v int32)  { w.u32(uint32(v)) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) f32(v float32) {
	w.u32(math.Float32bits(v))
}
func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}
func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}
func (w *writer) uuid(id [16]byte) {
	w.buf = append(w.buf, id[:]...)
}
func (w *writer) color(c Color) {
	w.f32(c.R)
	w.f32(c.G)
	w.f32(c.B)
	w.f32(c.A)
}

// WriteFrame writes one length-prefixed frame containing body.
func WriteFrame(out io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := out.Write(hdr[:]); err != nil {
		return err
	}
	_, err := out.Write(body)
	return err
}

// ReadFrame reads one frame and returns its tag and payload.
func ReadFrame(in io.Reader) (Tag, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(in, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n == 0 {
		return 0, nil, ErrTruncated
	}
	if n > MaxFrameSize {
		return 0, nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(in, body); err != nil {
		return 0, nil, err
	}
	return Tag(body[0]), body[1:], nil
}

// MarshalHandshakeRequest encodes a HandshakeRequest message body.
func MarshalHandshakeRequest(h *HandshakeRequest) []byte {
	w := newWriter(TagHandshakeRequest)
	w.u32(h.Version)
	w.u32(uint32(len(h.Features)))
	for _, f := range h.Features {
		w.str(f)
	}
	return w.buf
}

// MarshalHandshakeResponse encodes a HandshakeResponse message body.
func MarshalHandshakeResponse(h *HandshakeResponse) []byte {
	w := newWriter(TagHandshakeResponse)
	w.bool(h.Accepted)
	w.str(h.RendererVersion)
	return w.buf
}

// MarshalAuth encodes an Auth message body.
func MarshalAuth(token string) []byte {
	w := newWriter(TagAuth)
	w.str(token)
	return w.buf
}

// MarshalAuthResult encodes an AuthResult message body.
func MarshalAuthResult(ok bool) []byte {
	w := newWriter(TagAuthResult)
	w.bool(ok)
	return w.buf
}

// layer delta flag bits.
const (
	deltaFlagClear = 1 << 0
	deltaFlagClip  = 1 << 1
)

func (w *writer) delta(d *LayerDelta) {
	w.u64(d.LayerID)
	w.i32(d.Z)
	var flags uint8
	if d.Clear {
		flags |= deltaFlagClear
	}
	if d.ClipW > 0 {
		flags |= deltaFlagClip
	}
	w.u8(flags)
	if d.ClipW > 0 {
		w.f32(d.ClipX)
		w.f32(d.ClipY)
		w.f32(d.ClipW)
		w.f32(d.ClipH)
	}
	w.f32(d.OffsetX)
	w.f32(d.OffsetY)
	w.u32(uint32(len(d.Primitives)))
	for i := range d.Primitives {
		w.primitive(&d.Primitives[i])
	}
}

func (w *writer) primitive(p *Primitive) {
	w.u8(uint8(p.Kind))
	switch p.Kind {
	case PrimRect, PrimEllipse:
		w.f32(p.X)
		w.f32(p.Y)
		w.f32(p.W)
		w.f32(p.H)
		w.color(p.Color)
	case PrimPolygon:
		w.u32(uint32(len(p.Points)))
		for _, v := range p.Points {
			w.f32(v)
		}
		w.color(p.Color)
	case PrimText:
		w.f32(p.X)
		w.f32(p.Y)
		w.f32(p.Size)
		w.str(p.Text)
		w.color(p.Color)
		w.bool(p.HasResource)
		if p.HasResource {
			w.uuid(p.Resource)
		}
	case PrimImage:
		w.f32(p.X)
		w.f32(p.Y)
		w.f32(p.W)
		w.f32(p.H)
		w.uuid(p.Resource)
	}
}

func (w *writer) drawBody(deltas []LayerDelta) {
	w.u32(uint32(len(deltas)))
	for i := range deltas {
		w.delta(&deltas[i])
	}
}

func (w *writer) loadBody(c *Command) {
	w.uuid(c.ID)
	w.u8(uint8(c.Kind))
	w.u8(c.Priority)
	w.bool(c.Pinned)
	w.str(c.SourceURL)
	w.bytes(c.Data)
}

// MarshalCommand encodes a render command message body.
func MarshalCommand(c *Command) ([]byte, error) {
	w := newWriter(c.Tag)
	switch c.Tag {
	case TagResize:
		w.u32(c.Width)
		w.u32(c.Height)
	case TagDraw:
		w.drawBody(c.Deltas)
	case TagLoadResource:
		w.loadBody(c)
	case TagUnloadResource:
		w.uuid(c.ID)
	case TagCaptureFrame:
		w.uuid(c.RequestID)
	case TagStateSync:
		w.drawBody(c.Deltas)
		w.u32(uint32(len(c.Loads)))
		for i := range c.Loads {
			w.loadBody(&c.Loads[i])
		}
	default:
		return nil, fmt.Errorf("%w: %s (0x%02x)", ErrUnknownTag, c.Tag, byte(c.Tag))
	}
	return w.buf, nil
}

// MarshalEvent encodes a render event message body.
func MarshalEvent(e *Event) ([]byte, error) {
	w := newWriter(e.Tag)
	switch e.Tag {
	case TagFramePresented:
		w.u64(e.FrameID)
	case TagResourceLoaded:
		w.uuid(e.ID)
	case TagResourceError:
		w.uuid(e.ID)
		w.str(e.Reason)
	case TagError:
		w.u8(uint8(e.Kind))
		w.str(e.Detail)
	case TagCapturedFrame:
		w.uuid(e.RequestID)
		w.u32(e.Width)
		w.u32(e.Height)
		w.bytes(e.Pixels)
	default:
		return nil, fmt.Errorf("%w: %s (0x%02x)", ErrUnknownTag, e.Tag, byte(e.Tag))
	}
	return w.buf, nil
}

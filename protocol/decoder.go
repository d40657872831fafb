package protocol

import (
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// reader provides sequential decoding of a message payload. Every read
// checks remaining length; ok turns false on the first short read and all
// subsequent reads return zero values, so callers check ok once at the end.
type reader struct {
	buf []byte
	pos int
	ok  bool
}

func newReader(payload []byte) *reader {
	return &reader{buf: payload, ok: true}
}

func (r *reader) take(n int) []byte {
	if !r.ok || r.pos+n > len(r.buf) {
		r.ok = false
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) bool() bool { return r.u8() != 0 }

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }

func (r *reader) str() string {
	n := r.u32()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *reader) bytes() []byte {
	n := r.u32()
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *reader) uuid() uuid.UUID {
	b := r.take(16)
	if b == nil {
		return uuid.UUID{}
	}
	var id uuid.UUID
	copy(id[:], b)
	return id
}

func (r *reader) color() Color {
	return Color{R: r.f32(), G: r.f32(), B: r.f32(), A: r.f32()}
}

func (r *reader) err() error {
	if !r.ok {
		return ErrTruncated
	}
	return nil
}

// maxSliceCount caps decoded slice lengths so a corrupt count cannot force
// a huge allocation before the short read is detected.
const maxSliceCount = 1 << 20

func (r *reader) count() int {
	n := r.u32()
	if n > maxSliceCount {
		r.ok = false
		return 0
	}
	return int(n)
}

// UnmarshalHandshakeRequest decodes a HandshakeRequest payload.
func UnmarshalHandshakeRequest(payload []byte) (*HandshakeRequest, error) {
	r := newReader(payload)
	h := &HandshakeRequest{Version: r.u32()}
	n := r.count()
	for i := 0; i < n && r.ok; i++ {
		h.Features = append(h.Features, r.str())
	}
	if err := r.err(); err != nil {
		return nil, err
	}
	return h, nil
}

// UnmarshalHandshakeResponse decodes a HandshakeResponse payload.
func UnmarshalHandshakeResponse(payload []byte) (*HandshakeResponse, error) {
	r := newReader(payload)
	h := &HandshakeResponse{
		Accepted:        r.bool(),
		RendererVersion: r.str(),
	}
	if err := r.err(); err != nil {
		return nil, err
	}
	return h, nil
}

// UnmarshalAuth decodes an Auth payload, returning the token.
func UnmarshalAuth(payload []byte) (string, error) {
	r := newReader(payload)
	token := r.str()
	return token, r.err()
}

// UnmarshalAuthResult decodes an AuthResult payload.
func UnmarshalAuthResult(payload []byte) (bool, error) {
	r := newReader(payload)
	ok := r.bool()
	return ok, r.err()
}

func (r *reader) delta() LayerDelta {
	d := LayerDelta{
		LayerID: r.u64(),
		Z:       r.i32(),
	}
	flags := r.u8()
	d.Clear = flags&deltaFlagClear != 0
	if flags&deltaFlagClip != 0 {
		d.ClipX = r.f32()
		d.ClipY = r.f32()
		d.ClipW = r.f32()
		d.ClipH = r.f32()
	}
	d.OffsetX = r.f32()
	d.OffsetY = r.f32()
	n := r.count()
	for i := 0; i < n && r.ok; i++ {
		d.Primitives = append(d.Primitives, r.primitive())
	}
	return d
}

func (r *reader) primitive() Primitive {
	p := Primitive{Kind: PrimitiveKind(r.u8())}
	switch p.Kind {
	case PrimRect, PrimEllipse:
		p.X = r.f32()
		p.Y = r.f32()
		p.W = r.f32()
		p.H = r.f32()
		p.Color = r.color()
	case PrimPolygon:
		n := r.count()
		for i := 0; i < n && r.ok; i++ {
			p.Points = append(p.Points, r.f32())
		}
		p.Color = r.color()
	case PrimText:
		p.X = r.f32()
		p.Y = r.f32()
		p.Size = r.f32()
		p.Text = r.str()
		p.Color = r.color()
		p.HasResource = r.bool()
		if p.HasResource {
			p.Resource = r.uuid()
		}
	case PrimImage:
		p.X = r.f32()
		p.Y = r.f32()
		p.W = r.f32()
		p.H = r.f32()
		p.Resource = r.uuid()
		p.HasResource = true
	default:
		r.ok = false
	}
	return p
}

func (r *reader) deltas() []LayerDelta {
	n := r.count()
	out := make([]LayerDelta, 0, n)
	for i := 0; i < n && r.ok; i++ {
		out = append(out, r.delta())
	}
	return out
}

func (r *reader) load(tag Tag) Command {
	return Command{
		Tag:       tag,
		ID:        r.uuid(),
		Kind:      ResourceKind(r.u8()),
		Priority:  r.u8(),
		Pinned:    r.bool(),
		SourceURL: r.str(),
		Data:      r.bytes(),
	}
}

// UnmarshalCommand decodes a render command payload for the given tag.
func UnmarshalCommand(tag Tag, payload []byte) (*Command, error) {
	r := newReader(payload)
	c := &Command{Tag: tag}
	switch tag {
	case TagResize:
		c.Width = r.u32()
		c.Height = r.u32()
	case TagDraw:
		c.Deltas = r.deltas()
	case TagLoadResource:
		*c = r.load(tag)
	case TagUnloadResource:
		c.ID = r.uuid()
	case TagCaptureFrame:
		c.RequestID = r.uuid()
	case TagStateSync:
		c.Deltas = r.deltas()
		n := r.count()
		for i := 0; i < n && r.ok; i++ {
			c.Loads = append(c.Loads, r.load(TagLoadResource))
		}
	default:
		return nil, ErrUnknownTag
	}
	if err := r.err(); err != nil {
		return nil, err
	}
	return c, nil
}

// UnmarshalEvent decodes a render event payload for the given tag.
func UnmarshalEvent(tag Tag, payload []byte) (*Event, error) {
	r := newReader(payload)
	e := &Event{Tag: tag}
	switch tag {
	case TagFramePresented:
		e.FrameID = r.u64()
	case TagResourceLoaded:
		e.ID = r.uuid()
	case TagResourceError:
		e.ID = r.uuid()
		e.Reason = r.str()
	case TagError:
		e.Kind = ErrorKind(r.u8())
		e.Detail = r.str()
	case TagCapturedFrame:
		e.RequestID = r.uuid()
		e.Width = r.u32()
		e.Height = r.u32()
		e.Pixels = r.bytes()
	default:
		return nil, ErrUnknownTag
	}
	if err := r.err(); err != nil {
		return nil, err
	}
	return e, nil
}

package protocol

import "github.com/google/uuid"

// Version is the protocol version this renderer speaks.
const Version uint32 = 3

// CompatWindow is how many versions below Version a peer may be and still
// be accepted during the handshake.
const CompatWindow uint32 = 1

// RendererVersion identifies the renderer build in HandshakeResponse.
const RendererVersion = "orinium-renderer/0.4"

// Tag identifies a message type on the wire.
type Tag byte

// Message tags. The data layout for each is described next to the constant;
// see the package comment for primitive encodings.
const (
	// TagHandshakeRequest opens a session.
	// Data: uint32 version, uint32 count, count strings (feature names).
	TagHandshakeRequest Tag = 0x01

	// TagHandshakeResponse answers a HandshakeRequest.
	// Data: uint8 accepted, string renderer version.
	TagHandshakeResponse Tag = 0x02

	// TagAuth carries the session token when the renderer requires one.
	// Data: string token.
	TagAuth Tag = 0x03

	// TagAuthResult reports token validation.
	// Data: uint8 ok.
	TagAuthResult Tag = 0x04

	// TagStateSync carries the initial scene and required resources.
	// Data: draw payload (see TagDraw), uint32 count, count load payloads
	// (see TagLoadResource).
	TagStateSync Tag = 0x05

	// TagResize changes the surface dimensions.
	// Data: uint32 width, uint32 height.
	TagResize Tag = 0x10

	// TagDraw applies layer deltas to the scene.
	// Data: uint32 delta count, then per delta: uint64 layer id, int32 z,
	// uint8 flags, clip rect (4 float32), offset (2 float32),
	// uint32 primitive count, primitives.
	TagDraw Tag = 0x11

	// TagLoadResource requests an asynchronous resource load.
	// Data: uuid, uint8 kind, uint8 priority, uint8 pinned,
	// string source url, bytes inline data.
	TagLoadResource Tag = 0x12

	// TagUnloadResource forces eviction of a resource.
	// Data: uuid.
	TagUnloadResource Tag = 0x13

	// TagCaptureFrame requests a pixel readback of the next frame.
	// Data: uuid request id.
	TagCaptureFrame Tag = 0x14

	// TagFramePresented reports a presented frame.
	// Data: uint64 frame id.
	TagFramePresented Tag = 0x20

	// TagResourceLoaded reports a resource reaching the Uploaded state.
	// Data: uuid.
	TagResourceLoaded Tag = 0x21

	// TagResourceError reports a failed resource load/upload.
	// Data: uuid, string reason.
	TagResourceError Tag = 0x22

	// TagError reports a non-resource error or warning.
	// Data: uint8 kind, string detail.
	TagError Tag = 0x23

	// TagCapturedFrame returns the pixels for a CaptureFrame request.
	// Data: uuid request id, uint32 width, uint32 height, bytes RGBA pixels.
	TagCapturedFrame Tag = 0x24
)

// String returns a short name for the tag.
func (t Tag) String() string {
	switch t {
	case TagHandshakeRequest:
		return "HandshakeRequest"
	case TagHandshakeResponse:
		return "HandshakeResponse"
	case TagAuth:
		return "Auth"
	case TagAuthResult:
		return "AuthResult"
	case TagStateSync:
		return "StateSync"
	case TagResize:
		return "Resize"
	case TagDraw:
		return "Draw"
	case TagLoadResource:
		return "LoadResource"
	case TagUnloadResource:
		return "UnloadResource"
	case TagCaptureFrame:
		return "CaptureFrame"
	case TagFramePresented:
		return "FramePresented"
	case TagResourceLoaded:
		return "ResourceLoaded"
	case TagResourceError:
		return "ResourceError"
	case TagError:
		return "Error"
	case TagCapturedFrame:
		return "CapturedFrame"
	default:
		return "Unknown"
	}
}

// ResourceKind identifies what a resource's bytes decode to.
type ResourceKind uint8

// Resource kinds.
const (
	ResourceTexture ResourceKind = iota
	ResourceFont
)

// String returns a human-readable kind name.
func (k ResourceKind) String() string {
	switch k {
	case ResourceTexture:
		return "Texture"
	case ResourceFont:
		return "Font"
	default:
		return "Unknown"
	}
}

// ErrorKind classifies Error events per the error taxonomy.
type ErrorKind uint8

// Error kinds.
const (
	// ErrKindFrame is a frame-level failure: the frame was aborted and the
	// next one proceeds normally.
	ErrKindFrame ErrorKind = iota

	// ErrKindQueueOverflow reports background commands dropped under
	// backpressure.
	ErrKindQueueOverflow

	// ErrKindBudget reports the memory budget being exceeded with no
	// eviction candidates left.
	ErrKindBudget

	// ErrKindNotice is a non-fatal informational report, e.g. an Unload
	// refused because the resource is pinned.
	ErrKindNotice
)

// String returns a human-readable error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrKindFrame:
		return "Frame"
	case ErrKindQueueOverflow:
		return "QueueOverflow"
	case ErrKindBudget:
		return "Budget"
	case ErrKindNotice:
		return "Notice"
	default:
		return "Unknown"
	}
}

// Color is a straight-alpha RGBA color with float components in [0, 1].
type Color struct {
	R, G, B, A float32
}

// Opaque reports whether the color has full alpha.
func (c Color) Opaque() bool { return c.A >= 1.0 }

// PrimitiveKind identifies a draw primitive variant.
type PrimitiveKind uint8

// Primitive kinds, following the original draw-command vocabulary.
const (
	PrimRect PrimitiveKind = iota
	PrimEllipse
	PrimPolygon
	PrimText
	PrimImage
)

// Primitive is one drawable element inside a layer.
//
// The fields used depend on Kind:
//
//	PrimRect:    X, Y, W, H, Color
//	PrimEllipse: X, Y (center), W, H (radii), Color
//	PrimPolygon: Points, Color
//	PrimText:    X, Y, Text, Size, Color, Resource (font, optional)
//	PrimImage:   X, Y, W, H, Resource (texture)
type Primitive struct {
	Kind   PrimitiveKind
	X, Y   float32
	W, H   float32
	Color  Color
	Points []float32 // x0,y0,x1,y1,... for PrimPolygon
	Text   string
	Size   float32
	// Resource references a texture or font by id. The generation binding
	// happens renderer-side when the delta is applied to the scene.
	Resource uuid.UUID
	// HasResource distinguishes the zero uuid from "no resource".
	HasResource bool
}

// LayerDelta is an incremental change to one layer's drawable content.
// A delta replaces the layer's primitive list (last writer wins per layer);
// Clear removes the layer entirely.
type LayerDelta struct {
	LayerID uint64
	Z       int32
	Clear   bool

	// ClipW <= 0 means no clip.
	ClipX, ClipY, ClipW, ClipH float32

	// OffsetX/Y translate every primitive in the layer.
	OffsetX, OffsetY float32

	Primitives []Primitive
}

// HandshakeRequest opens a session.
type HandshakeRequest struct {
	Version  uint32
	Features []string
}

// HandshakeResponse answers a HandshakeRequest.
type HandshakeResponse struct {
	Accepted        bool
	RendererVersion string
}

// Command is a render command received from the orchestrator. Exactly the
// fields relevant to Tag are populated. Commands are immutable once
// enqueued.
type Command struct {
	Tag Tag

	// TagResize
	Width, Height uint32

	// TagDraw, TagStateSync
	Deltas []LayerDelta

	// TagLoadResource, TagUnloadResource
	ID        uuid.UUID
	Kind      ResourceKind
	Priority  uint8
	Pinned    bool
	SourceURL string
	Data      []byte

	// TagStateSync
	Loads []Command

	// TagCaptureFrame
	RequestID uuid.UUID
}

// Event is a notification sent back to the orchestrator. Exactly the
// fields relevant to Tag are populated.
type Event struct {
	Tag Tag

	// TagFramePresented
	FrameID uint64

	// TagResourceLoaded, TagResourceError
	ID     uuid.UUID
	Reason string

	// TagError
	Kind   ErrorKind
	Detail string

	// TagCapturedFrame
	RequestID     uuid.UUID
	Width, Height uint32
	Pixels        []byte
}

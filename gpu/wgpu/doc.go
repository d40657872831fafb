// Package wgpu provides the WebGPU device for the gpu boundary, backed by
// the gogpu/wgpu Pure Go WebGPU implementation (Vulkan, Metal or DX12
// depending on platform).
//
// Opening the device performs real GPU initialization: instance creation,
// adapter selection (high-performance preference), logical device and queue
// acquisition, and WGSL shader compilation to SPIR-V through gogpu/naga.
// Frame execution currently runs through a CPU fallback rasterizer until
// the core↔HAL queue submission bridge in gogpu/wgpu is complete; texture
// and fence semantics are identical either way, so callers are unaffected
// by where execution lands.
//
// The device registers itself under the name "wgpu" on import:
//
//	import _ "github.com/orinium-browser/renderer/gpu/wgpu"
//
// and is preferred over the software device during automatic selection.
// When no compatible GPU is present, Open fails and selection falls back
// to software.
package wgpu

package wgpu

import (
	"fmt"

	"github.com/gogpu/naga"
)

// colorShaderWGSL renders untextured vertex-colored triangles.
const colorShaderWGSL = `
struct VertexOutput {
    @builtin(position) position: vec4<f32>,
    @location(0) color: vec4<f32>,
};

@vertex
fn vs_main(
    @location(0) pos: vec2<f32>,
    @location(1) uv: vec2<f32>,
    @location(2) color: vec4<f32>,
) -> VertexOutput {
    var out: VertexOutput;
    out.position = vec4<f32>(pos, 0.0, 1.0);
    out.color = color;
    return out;
}

@fragment
fn fs_main(in: VertexOutput) -> @location(0) vec4<f32> {
    return in.color;
}
`

// textureShaderWGSL samples a bound texture modulated by vertex color.
const textureShaderWGSL = `
@group(0) @binding(0) var tex: texture_2d<f32>;
@group(0) @binding(1) var samp: sampler;

struct VertexOutput {
    @builtin(position) position: vec4<f32>,
    @location(0) uv: vec2<f32>,
    @location(1) color: vec4<f32>,
};

@vertex
fn vs_main(
    @location(0) pos: vec2<f32>,
    @location(1) uv: vec2<f32>,
    @location(2) color: vec4<f32>,
) -> VertexOutput {
    var out: VertexOutput;
    out.position = vec4<f32>(pos, 0.0, 1.0);
    out.uv = uv;
    out.color = color;
    return out;
}

@fragment
fn fs_main(in: VertexOutput) -> @location(0) vec4<f32> {
    return textureSample(tex, samp, in.uv) * in.color;
}
`

// compiledShaders holds the SPIR-V output for both pipelines.
type compiledShaders struct {
	color   []uint32
	texture []uint32
}

// compileShaders compiles the WGSL sources to SPIR-V word slices via naga.
// Compilation happens once at device open; a failure here aborts the wgpu
// backend and selection falls back to software.
func compileShaders() (*compiledShaders, error) {
	color, err := compileToSPIRV(colorShaderWGSL)
	if err != nil {
		return nil, fmt.Errorf("color shader: %w", err)
	}
	texture, err := compileToSPIRV(textureShaderWGSL)
	if err != nil {
		return nil, fmt.Errorf("texture shader: %w", err)
	}
	return &compiledShaders{color: color, texture: texture}, nil
}

// compileToSPIRV compiles WGSL source and repacks the byte output into
// little-endian 32-bit SPIR-V words.
func compileToSPIRV(wgslSource string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgslSource)
	if err != nil {
		return nil, fmt.Errorf("wgpu: shader compile: %w", err)
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

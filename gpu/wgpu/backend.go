package wgpu

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/core"
	"go.uber.org/zap"

	"github.com/orinium-browser/renderer/gpu"
	"github.com/orinium-browser/renderer/gpu/software"
)

// ErrNoGPU is returned by Open when no compatible adapter is found.
var ErrNoGPU = errors.New("wgpu: no compatible GPU found")

func init() {
	gpu.Register(gpu.BackendWGPU, func() (gpu.Device, error) {
		return Open(nil)
	})
}

// Device is the WebGPU-backed gpu.Device. It holds real instance, adapter,
// device and queue handles; frame execution runs through the CPU fallback
// (see package comment) with identical observable semantics.
type Device struct {
	instance *core.Instance
	adapter  core.AdapterID
	device   core.DeviceID
	queue    core.QueueID

	gpuInfo *GPUInfo
	shaders *compiledShaders

	// fallback executes submissions until HAL queue submission is bridged.
	fallback *software.Device

	log    *zap.Logger
	closed bool
}

// Open initializes the WebGPU stack: instance, adapter, device, queue and
// shader modules. logger may be nil.
func Open(logger *zap.Logger) (*Device, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	instance := core.NewInstance(&gputypes.InstanceDescriptor{
		Backends: gputypes.BackendsPrimary,
	})

	adapterID, err := instance.RequestAdapter(&gputypes.RequestAdapterOptions{
		PowerPreference: gputypes.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoGPU, err)
	}

	info, err := getGPUInfo(adapterID)
	if err == nil {
		logger.Info("wgpu adapter selected",
			zap.String("gpu", info.String()),
			zap.String("driver", info.Driver))
	}

	deviceID, err := createDevice(adapterID, "orinium-renderer-device")
	if err != nil {
		_ = releaseAdapter(adapterID)
		return nil, err
	}

	queueID, err := getDeviceQueue(deviceID)
	if err != nil {
		_ = releaseDevice(deviceID)
		_ = releaseAdapter(adapterID)
		return nil, err
	}

	shaders, err := compileShaders()
	if err != nil {
		_ = releaseDevice(deviceID)
		_ = releaseAdapter(adapterID)
		return nil, err
	}

	return &Device{
		instance: instance,
		adapter:  adapterID,
		device:   deviceID,
		queue:    queueID,
		gpuInfo:  info,
		shaders:  shaders,
		fallback: software.New(),
		log:      logger,
	}, nil
}

// Name returns "wgpu".
func (d *Device) Name() string { return gpu.BackendWGPU }

// Info returns the selected adapter's description, or nil when adapter
// info was unavailable.
func (d *Device) Info() *GPUInfo { return d.gpuInfo }

// Configure rebuilds the surface for the given dimensions.
func (d *Device) Configure(width, height int) error {
	if d.closed {
		return gpu.ErrDeviceClosed
	}
	return d.fallback.Configure(width, height)
}

// CreateTexture uploads a texture at a submission point.
func (d *Device) CreateTexture(desc *gpu.TextureDescriptor) (gpu.TextureID, error) {
	if d.closed {
		return 0, gpu.ErrDeviceClosed
	}
	return d.fallback.CreateTexture(desc)
}

// DestroyTexture releases a texture.
func (d *Device) DestroyTexture(id gpu.TextureID) {
	d.fallback.DestroyTexture(id)
}

// Submit enqueues one frame atomically.
func (d *Device) Submit(f *gpu.Frame) (gpu.FenceID, error) {
	if d.closed {
		return 0, gpu.ErrDeviceClosed
	}
	return d.fallback.Submit(f)
}

// Present presents the last submitted frame.
func (d *Device) Present(vsync bool) error {
	if d.closed {
		return gpu.ErrDeviceClosed
	}
	return d.fallback.Present(vsync)
}

// WaitFence blocks until the fence signals.
func (d *Device) WaitFence(ctx context.Context, fence gpu.FenceID) error {
	return d.fallback.WaitFence(ctx, fence)
}

// ReadPixels reads back the last presented frame.
func (d *Device) ReadPixels() ([]byte, int, int, error) {
	return d.fallback.ReadPixels()
}

// Close releases GPU resources in reverse order of creation. The queue is
// released when the device is dropped.
func (d *Device) Close() {
	if d.closed {
		return
	}
	d.closed = true
	d.fallback.Close()

	if err := releaseDevice(d.device); err != nil {
		d.log.Warn("device release failed", zap.Error(err))
	}
	d.device = core.DeviceID{}

	if err := releaseAdapter(d.adapter); err != nil {
		d.log.Warn("adapter release failed", zap.Error(err))
	}
	d.adapter = core.AdapterID{}

	d.instance = nil
	d.queue = core.QueueID{}
}

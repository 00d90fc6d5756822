package wgpu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/stage"
)

// Context errors.
var (
	// ErrNoBackend is returned when no requested GPU backend is available.
	ErrNoBackend = errors.New("wgpu: no GPU backend available")

	// ErrNoAdapter is returned when no GPU adapter is found.
	ErrNoAdapter = errors.New("wgpu: no GPU adapter found")

	// ErrNotInFrame is returned when the frame encoder is used outside a
	// BeginFrame / EndAndSubmitFrame pair.
	ErrNotInFrame = errors.New("wgpu: no frame in progress")
)

// submitTimeout bounds the fence wait after submission.
const submitTimeout = 5 * time.Second

// halProvider is implemented by device providers that expose the
// underlying hal device and queue (the gogpu host pattern).
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// Options configures a Context.
type Options struct {
	// Provider, when non-nil, supplies the device and queue from a host
	// application instead of opening a standalone device. The provider
	// must expose hal handles via HalDevice/HalQueue.
	Provider gpucontext.DeviceProvider

	// Backend selects the GPU backend for standalone mode.
	// Defaults to Vulkan.
	Backend gputypes.Backend

	// Label prefixes debug labels on GPU objects.
	Label string
}

// Context is the GPU-backed stage.Context. One Context drives one output
// surface; the stage.Manager calls its frame methods from the frame
// goroutine under the frame lock, so no internal locking guards the frame
// path, only the resource stores.
type Context struct {
	device     hal.Device
	queue      hal.Queue
	instance   hal.Instance
	ownsDevice bool
	label      string

	mu      sync.Mutex
	width   int
	height  int
	elapsed float64
	proj    mgl32.Mat4

	uniformBuf hal.Buffer

	encoder hal.CommandEncoder

	resources *Resources

	disposed bool
}

// New creates a Context for a window-sized surface. With opts.Provider it
// adopts the host's device; otherwise it opens a standalone device on the
// selected backend.
func New(w stage.Window, opts Options) (*Context, error) {
	width, height := w.Size()
	c := &Context{
		width:  width,
		height: height,
		label:  opts.Label,
		proj:   mgl32.Ortho2D(0, float32(width), float32(height), 0),
	}
	if c.label == "" {
		c.label = "stage"
	}

	if opts.Provider != nil {
		if err := c.adoptDevice(opts.Provider); err != nil {
			return nil, err
		}
	} else {
		if err := c.openDevice(opts.Backend); err != nil {
			return nil, err
		}
	}

	c.resources = newResources(c)
	return c, nil
}

// adoptDevice takes the hal device and queue from a host provider.
func (c *Context) adoptDevice(provider gpucontext.DeviceProvider) error {
	hp, ok := provider.(halProvider)
	if !ok {
		return errors.New("wgpu: device provider does not expose hal handles")
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok {
		return errors.New("wgpu: provider HalDevice is not hal.Device")
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok {
		return errors.New("wgpu: provider HalQueue is not hal.Queue")
	}
	c.device = device
	c.queue = queue
	stage.Logger().Info("wgpu: adopted host device")
	return nil
}

// openDevice opens a standalone device: backend, instance, adapter
// (discrete preferred, then integrated), device.
func (c *Context) openDevice(backendKind gputypes.Backend) error {
	if backendKind == 0 {
		backendKind = gputypes.BackendVulkan
	}
	backend, ok := hal.GetBackend(backendKind)
	if !ok {
		return fmt.Errorf("%w: backend %v", ErrNoBackend, backendKind)
	}

	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("wgpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return ErrNoAdapter
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return fmt.Errorf("wgpu: open device: %w", err)
	}

	c.instance = instance
	c.device = openDev.Device
	c.queue = openDev.Queue
	c.ownsDevice = true
	stage.Logger().Info("wgpu: standalone device opened", "adapter", selected.Info.Name)
	return nil
}

// Device returns the hal device for draw operations and targets that
// allocate their own GPU resources.
func (c *Context) Device() hal.Device { return c.device }

// Queue returns the hal queue.
func (c *Context) Queue() hal.Queue { return c.queue }

// Resources returns the context's resource stores.
func (c *Context) Resources() *Resources { return c.resources }

// Encoder returns the current frame's command encoder. Valid only between
// BeginFrame and EndAndSubmitFrame.
func (c *Context) Encoder() (hal.CommandEncoder, error) {
	if c.encoder == nil {
		return nil, ErrNotInFrame
	}
	return c.encoder, nil
}

// frameUniforms is the per-frame uniform block layout: a 4x4 projection
// matrix followed by the elapsed seconds, padded to 16 bytes.
const frameUniformSize = 16*4 + 16

// Update advances the elapsed clock and writes the frame uniform block.
func (c *Context) Update(delta float64) error {
	if c.disposed {
		return stage.ErrDisposed
	}
	c.mu.Lock()
	c.elapsed += delta
	proj := c.proj
	elapsed := float32(c.elapsed)
	c.mu.Unlock()

	if c.uniformBuf == nil {
		buf, err := c.device.CreateBuffer(&hal.BufferDescriptor{
			Label: c.label + "_frame_uniforms",
			Size:  frameUniformSize,
			Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("wgpu: create frame uniform buffer: %w", err)
		}
		c.uniformBuf = buf
	}

	c.queue.WriteBuffer(c.uniformBuf, 0, uniformBytes(proj, elapsed))
	return nil
}

// BeginFrame opens the frame's command encoder.
func (c *Context) BeginFrame() error {
	if c.disposed {
		return stage.ErrDisposed
	}
	if c.encoder != nil {
		return errors.New("wgpu: BeginFrame called twice")
	}
	encoder, err := c.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
		Label: c.label + "_frame_encoder",
	})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(c.label + "_frame"); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	c.encoder = encoder
	return nil
}

// EndAndSubmitFrame finishes encoding and submits with a fence wait, so
// the frame's GPU work is complete when the call returns.
func (c *Context) EndAndSubmitFrame() error {
	if c.disposed {
		return stage.ErrDisposed
	}
	if c.encoder == nil {
		return ErrNotInFrame
	}
	encoder := c.encoder
	c.encoder = nil

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer c.device.FreeCommandBuffer(cmdBuf)

	if _, err := c.queue.Submit([]hal.CommandBuffer{cmdBuf}); err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	if err := c.device.WaitIdle(); err != nil {
		return fmt.Errorf("wgpu: wait for GPU: %w", err)
	}
	return nil
}

// FrameInfo returns the projection, elapsed clock, and surface size.
func (c *Context) FrameInfo() stage.FrameInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return stage.FrameInfo{
		Projection: c.proj,
		Elapsed:    c.elapsed,
		Width:      c.width,
		Height:     c.height,
	}
}

// Resize re-derives the projection for the new surface size. The Manager
// calls it while holding the frame lock.
func (c *Context) Resize(width, height int) {
	c.mu.Lock()
	c.width = width
	c.height = height
	c.proj = mgl32.Ortho2D(0, float32(width), float32(height), 0)
	c.mu.Unlock()
}

// Dispose releases the context's GPU objects: resource stores first, then
// the uniform buffer, then the device and instance when standalone.
func (c *Context) Dispose() {
	if c.disposed {
		return
	}
	c.disposed = true

	c.resources.release()

	if c.uniformBuf != nil {
		c.device.DestroyBuffer(c.uniformBuf)
		c.uniformBuf = nil
	}
	if c.ownsDevice {
		if c.device != nil {
			c.device.Destroy()
		}
		if c.instance != nil {
			c.instance.Destroy()
		}
	}
	stage.Logger().Info("wgpu: context disposed")
}

var (
	_ stage.Context = (*Context)(nil)
	_ stage.Resizer = (*Context)(nil)
)

// uniformBytes serializes the frame uniform block in std140 layout:
// column-major matrix, then elapsed, then padding.
func uniformBytes(proj mgl32.Mat4, elapsed float32) []byte {
	out := make([]byte, frameUniformSize)
	for i, v := range proj {
		putFloat32(out[i*4:], v)
	}
	putFloat32(out[16*4:], elapsed)
	return out
}

func putFloat32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

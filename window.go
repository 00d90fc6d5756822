package stage

// Window is the boundary to the platform windowing layer. The core never
// touches a real event pump; it only needs the current size, a way to
// service platform events while it is not rendering, and resize
// notifications.
type Window interface {
	// Size returns the current drawable size in pixels.
	Size() (width, height int)

	// PumpEvents services the platform event queue. The frame loop calls
	// it from the polling branch while waiting for the window to become
	// available, so resize and close events keep flowing even when no
	// frame is being rendered.
	PumpEvents()

	// OnResize registers fn to be called when the drawable size changes.
	// The Manager registers exactly one callback and re-derives cached
	// projection state under the frame lock when it fires.
	OnResize(fn func(width, height int))
}

// InputSource is optionally implemented by windows that accumulate input.
// TakeInput returns everything accumulated since the previous call and
// clears the snapshot. The Manager drains it once per frame, outside all
// locks, and fans the snapshot out to subscribers.
type InputSource interface {
	TakeInput() InputSnapshot
}

// InputSnapshot is one frame's accumulated input state.
type InputSnapshot struct {
	// Keys holds the platform key codes that went down during the frame.
	Keys []uint32

	// MouseX, MouseY is the last known pointer position.
	MouseX, MouseY float64

	// Buttons is a bitmask of pressed pointer buttons.
	Buttons uint8
}

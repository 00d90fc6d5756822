// Package transform provides the cached spatial transformation state of a
// drawable unit: translation, scale, and per-axis rotations, with two
// lazily recomputed matrices observed by the renderer.
package transform

import (
	"sync"

	"github.com/go-gl/mathgl/mgl32"
)

// Rotation describes a rotation about one axis: the center point the
// rotation pivots around and the angle in radians.
type Rotation struct {
	Center mgl32.Vec3
	Angle  float32
}

// Changes is the argument to [State.Transform]. Nil fields leave the
// corresponding parameter untouched; non-nil fields are applied together,
// atomically, in one call.
type Changes struct {
	Translation *mgl32.Vec3
	Scale       *mgl32.Vec3
	RotationX   *Rotation
	RotationY   *Rotation
	RotationZ   *Rotation
}

// State is a derived-value cache for one drawable's spatial parameters.
//
// Two matrices are observable:
//
//   - [State.ScaleTransformation]: the scale-only matrix, invalidated only
//     by a Transform call that carries a scale.
//   - [State.VertexTransformation]: the composite matrix
//     translation · rotZ · rotY · rotX · scale, with each rotation applied
//     about its own center point; invalidated by every Transform call.
//
// Reading a matrix twice without an intervening Transform returns the
// identical cached value with no recomputation.
//
// State is safe for concurrent use: logic goroutines mutate it while the
// frame goroutine reads it. Change callbacks registered with OnChange fire
// once per Transform call, after the state mutex is released.
type State struct {
	mu sync.Mutex

	translation mgl32.Vec3
	scale       mgl32.Vec3
	rotX        Rotation
	rotY        Rotation
	rotZ        Rotation

	scaleMat    mgl32.Mat4
	scaleDirty  bool
	vertexMat   mgl32.Mat4
	vertexDirty bool

	onChange []func()

	// recomputes counts matrix rebuilds, observed by tests.
	recomputes uint64
}

// NewState returns an identity state: zero translation, unit scale, no
// rotation.
func NewState() *State {
	return &State{
		scale:     mgl32.Vec3{1, 1, 1},
		scaleMat:  mgl32.Ident4(),
		vertexMat: mgl32.Ident4(),
	}
}

// OnChange registers fn to be invoked after every Transform call.
// Callbacks run outside the state mutex, on the mutating goroutine.
func (s *State) OnChange(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Transform applies every non-nil field of c atomically, invalidates the
// cached matrices (the scale matrix only when c.Scale is set, the vertex
// matrix always), and fires the change callbacks once.
func (s *State) Transform(c Changes) {
	s.mu.Lock()
	if c.Translation != nil {
		s.translation = *c.Translation
	}
	if c.Scale != nil {
		s.scale = *c.Scale
		s.scaleDirty = true
	}
	if c.RotationX != nil {
		s.rotX = *c.RotationX
	}
	if c.RotationY != nil {
		s.rotY = *c.RotationY
	}
	if c.RotationZ != nil {
		s.rotZ = *c.RotationZ
	}
	s.vertexDirty = true
	callbacks := s.onChange
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Translation returns the current translation vector.
func (s *State) Translation() mgl32.Vec3 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.translation
}

// Scale returns the current scale vector.
func (s *State) Scale() mgl32.Vec3 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scale
}

// RotationX returns the current rotation about the X axis.
func (s *State) RotationX() Rotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotX
}

// RotationY returns the current rotation about the Y axis.
func (s *State) RotationY() Rotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotY
}

// RotationZ returns the current rotation about the Z axis.
func (s *State) RotationZ() Rotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotZ
}

// ScaleTransformation returns the scale-only matrix, rebuilding it if a
// Transform call carrying a scale has run since the last read.
func (s *State) ScaleTransformation() mgl32.Mat4 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scaleDirty {
		s.scaleMat = mgl32.Scale3D(s.scale.X(), s.scale.Y(), s.scale.Z())
		s.scaleDirty = false
		s.recomputes++
	}
	return s.scaleMat
}

// VertexTransformation returns the composite vertex matrix, rebuilding it
// if any Transform call has run since the last read.
func (s *State) VertexTransformation() mgl32.Mat4 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vertexDirty {
		s.vertexMat = s.compose()
		s.vertexDirty = false
		s.recomputes++
	}
	return s.vertexMat
}

// compose rebuilds the composite matrix. Caller holds s.mu.
func (s *State) compose() mgl32.Mat4 {
	m := mgl32.Translate3D(s.translation.X(), s.translation.Y(), s.translation.Z())
	m = m.Mul4(rotateAbout(s.rotZ, mgl32.HomogRotate3DZ))
	m = m.Mul4(rotateAbout(s.rotY, mgl32.HomogRotate3DY))
	m = m.Mul4(rotateAbout(s.rotX, mgl32.HomogRotate3DX))
	return m.Mul4(mgl32.Scale3D(s.scale.X(), s.scale.Y(), s.scale.Z()))
}

// rotateAbout builds a rotation about r.Center: translate the center to the
// origin, rotate, translate back. A zero angle yields the identity without
// touching the trigonometry.
func rotateAbout(r Rotation, rotate func(float32) mgl32.Mat4) mgl32.Mat4 {
	if r.Angle == 0 {
		return mgl32.Ident4()
	}
	if r.Center == (mgl32.Vec3{}) {
		return rotate(r.Angle)
	}
	m := mgl32.Translate3D(r.Center.X(), r.Center.Y(), r.Center.Z())
	m = m.Mul4(rotate(r.Angle))
	return m.Mul4(mgl32.Translate3D(-r.Center.X(), -r.Center.Y(), -r.Center.Z()))
}

// Recomputes returns how many matrix rebuilds have occurred. Exposed for
// verifying caching behavior.
func (s *State) Recomputes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recomputes
}

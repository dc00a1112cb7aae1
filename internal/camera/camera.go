// Package camera manages the single video input a wizard session may hold.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Facing selects the front (user) or rear (environment) camera.
type Facing string

const (
	FacingUser        Facing = "user"
	FacingEnvironment Facing = "environment"
)

var (
	// ErrNoStream is returned by streams that were closed or never produced a frame.
	ErrNoStream = errors.New("camera: no active stream")
	// ErrNoFrame means the stream is open but nothing has been received yet.
	ErrNoFrame = errors.New("camera: no frame available")
	// ErrEmptyFrame rejects zero-length pushes.
	ErrEmptyFrame = errors.New("camera: empty frame")
	// ErrUnavailable is the device-level "cannot open" condition.
	ErrUnavailable = errors.New("camera: device unavailable")
)

// Error reports a failure to acquire the device.
type Error struct {
	Facing Facing
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("camera: acquire %s: %v", e.Facing, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Stream is an open video input.
type Stream interface {
	// Ready is closed once the stream has produced its first frame.
	Ready() <-chan struct{}
	// Frame decodes the most recent frame.
	Frame() (image.Image, error)
	Close() error
}

// Device opens streams.
type Device interface {
	Open(ctx context.Context, facing Facing) (Stream, error)
}

// Frame is one still captured from a stream.
type Frame struct {
	Image      image.Image
	Facing     Facing
	CapturedAt time.Time
}

// Empty reports a zero-dimension frame.
func (f *Frame) Empty() bool {
	if f == nil || f.Image == nil {
		return true
	}
	b := f.Image.Bounds()
	return b.Dx() == 0 || b.Dy() == 0
}

// Manager holds at most one stream at a time.
type Manager struct {
	mu     sync.Mutex
	device Device
	logger *zap.Logger
	stream Stream
	facing Facing
	now    func() time.Time
}

// NewManager wraps a device.
func NewManager(device Device, logger *zap.Logger) *Manager {
	return &Manager{
		device: device,
		logger: logger.Named("camera"),
		now:    time.Now,
	}
}

// Acquire opens a stream for facing, releasing any stream already held.
// Failures are returned as *Error.
func (m *Manager) Acquire(ctx context.Context, facing Facing) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseLocked()
	stream, err := m.device.Open(ctx, facing)
	if err != nil {
		m.logger.Warn("camera acquire failed", zap.String("facing", string(facing)), zap.Error(err))
		return nil, &Error{Facing: facing, Err: err}
	}
	m.stream = stream
	m.facing = facing
	m.logger.Debug("camera acquired", zap.String("facing", string(facing)))
	return stream, nil
}

// Release stops the held stream. It is safe to call without one.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
}

func (m *Manager) releaseLocked() {
	if m.stream == nil {
		return
	}
	if err := m.stream.Close(); err != nil {
		m.logger.Warn("camera release failed", zap.Error(err))
	}
	m.logger.Debug("camera released", zap.String("facing", string(m.facing)))
	m.stream = nil
	m.facing = ""
}

// Active reports whether a stream is held.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

// Facing of the held stream, empty when none.
func (m *Manager) Facing() Facing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.facing
}

// Ready returns the held stream's ready signal. Without a stream the returned
// channel is nil and blocks forever.
func (m *Manager) Ready() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	return m.stream.Ready()
}

// IsReady is the non-blocking form of Ready.
func (m *Manager) IsReady() bool {
	ready := m.Ready()
	if ready == nil {
		return false
	}
	select {
	case <-ready:
		return true
	default:
		return false
	}
}

// Snapshot grabs one still. It returns nil when no stream is held or the
// frame cannot be decoded; callers treat nil as a signal, not an error.
func (m *Manager) Snapshot() *Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	img, err := m.stream.Frame()
	if err != nil {
		m.logger.Debug("snapshot unavailable", zap.Error(err))
		return nil
	}
	return &Frame{Image: img, Facing: m.facing, CapturedAt: m.now().UTC()}
}

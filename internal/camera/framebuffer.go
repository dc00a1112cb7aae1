package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"
)

// FrameBuffer is a Device fed by frames pushed from a remote client. It keeps
// only the latest encoded frame of the open stream.
type FrameBuffer struct {
	mu          sync.Mutex
	open        *bufferStream
	unavailable error
}

// NewFrameBuffer returns an empty device.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{}
}

// SetUnavailable makes Open fail with err (permission denied, no device).
// A nil err makes the device available again.
func (b *FrameBuffer) SetUnavailable(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = err
}

// Open starts a fresh stream; frames pushed to a previous stream are dropped.
func (b *FrameBuffer) Open(ctx context.Context, facing Facing) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unavailable != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, b.unavailable)
	}
	if b.open != nil {
		b.open.closed = true
	}
	b.open = &bufferStream{buffer: b, facing: facing, ready: make(chan struct{})}
	return b.open, nil
}

// Push stores an encoded frame (JPEG or PNG) on the open stream.
func (b *FrameBuffer) Push(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyFrame
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open == nil {
		return ErrNoStream
	}
	b.open.latest = append(b.open.latest[:0], data...)
	b.open.readyOnce.Do(func() { close(b.open.ready) })
	return nil
}

// Facing of the open stream, empty when none.
func (b *FrameBuffer) Facing() Facing {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open == nil {
		return ""
	}
	return b.open.facing
}

type bufferStream struct {
	buffer    *FrameBuffer
	facing    Facing
	latest    []byte
	ready     chan struct{}
	readyOnce sync.Once
	closed    bool
}

func (s *bufferStream) Ready() <-chan struct{} { return s.ready }

func (s *bufferStream) Frame() (image.Image, error) {
	s.buffer.mu.Lock()
	if s.closed {
		s.buffer.mu.Unlock()
		return nil, ErrNoStream
	}
	if len(s.latest) == 0 {
		s.buffer.mu.Unlock()
		return nil, ErrNoFrame
	}
	data := bytes.Clone(s.latest)
	s.buffer.mu.Unlock()

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("camera: decode frame: %w", err)
	}
	return img, nil
}

func (s *bufferStream) Close() error {
	s.buffer.mu.Lock()
	defer s.buffer.mu.Unlock()
	s.closed = true
	s.latest = nil
	if s.buffer.open == s {
		s.buffer.open = nil
	}
	return nil
}

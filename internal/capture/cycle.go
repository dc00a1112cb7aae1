// Package capture runs the capture-validate-retry protocol for one wizard
// step.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/jpeg"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/kyc-flow/internal/camera"
	"github.com/example/kyc-flow/internal/flow"
	"github.com/example/kyc-flow/internal/kycapi"
	"github.com/example/kyc-flow/internal/session"
)

// State of a capture cycle.
type State string

const (
	StateIdle          State = "idle"
	StateCapturing     State = "capturing"
	StateUploading     State = "uploading"
	StateAccepted      State = "accepted"
	StateRejected      State = "rejected"
	StateNetworkFailed State = "network-failed"
	// StateFailed covers camera and processing failures that never reached
	// the network.
	StateFailed State = "failed"
)

// Terminal reports whether the attempt has finished.
func (s State) Terminal() bool {
	switch s {
	case StateAccepted, StateRejected, StateNetworkFailed, StateFailed:
		return true
	default:
		return false
	}
}

const jpegQuality = 90

// Outcome is the result of one Capture call.
type Outcome struct {
	Step           flow.Step
	VerificationID string
	State          State
	Artifact       *session.Artifact
	ScanPayload    json.RawMessage
	Response       any
	Failure        *Failure
	Duration       time.Duration
}

// FacingFor picks the camera for a step: the selfie faces the user, every
// document capture uses the rear camera.
func FacingFor(step flow.Step) camera.Facing {
	if step.Kind == flow.KindSelfie {
		return camera.FacingUser
	}
	return camera.FacingEnvironment
}

// Cycle drives one capture step. It is safe for concurrent use; Capture is
// single-flight.
type Cycle struct {
	step           flow.Step
	verificationID string
	camera         *camera.Manager
	classifier     Classifier
	previews       session.PreviewStore
	logger         *zap.Logger

	mu      sync.Mutex
	state   State
	failure *Failure
	now     func() time.Time
}

// NewCycle prepares a cycle in the Idle state. Start must be called to
// acquire the camera.
func NewCycle(step flow.Step, verificationID string, cam *camera.Manager, classifier Classifier, previews session.PreviewStore, logger *zap.Logger) (*Cycle, error) {
	if !step.IsCapture() {
		return nil, ErrNotCapture
	}
	return &Cycle{
		step:           step,
		verificationID: verificationID,
		camera:         cam,
		classifier:     classifier,
		previews:       previews,
		logger: logger.Named("capture").With(
			zap.String("step", step.ID()),
			zap.String("verification_id", verificationID),
		),
		state: StateIdle,
		now:   time.Now,
	}, nil
}

// Step returns the step this cycle captures.
func (c *Cycle) Step() flow.Step { return c.step }

// VerificationID the cycle uploads under.
func (c *Cycle) VerificationID() string { return c.verificationID }

// State returns the current state.
func (c *Cycle) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Failure returns the last failure, nil unless the cycle is in a failed state.
func (c *Cycle) Failure() *Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// CameraReady reports whether the held stream has produced a frame.
func (c *Cycle) CameraReady() bool { return c.camera.IsReady() }

// Start acquires the camera for the step. An acquisition failure leaves the
// cycle in StateFailed with a camera failure.
func (c *Cycle) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquireLocked(ctx)
}

func (c *Cycle) acquireLocked(ctx context.Context) error {
	if _, err := c.camera.Acquire(ctx, FacingFor(c.step)); err != nil {
		c.state = StateFailed
		c.failure = newFailure(KindCamera, ReasonCameraUnavailable, "Camera is not available.", err)
		return c.failure
	}
	c.state = StateIdle
	c.failure = nil
	return nil
}

// Capture takes one still, uploads it and interprets the verdict. Every
// failure is reported through Outcome; the returned error is non-nil only
// when the call was refused (ErrBusy, ErrAccepted, ErrRetryRequired).
func (c *Cycle) Capture(ctx context.Context) (*Outcome, error) {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
	case StateCapturing, StateUploading:
		c.mu.Unlock()
		return nil, ErrBusy
	case StateAccepted:
		c.mu.Unlock()
		return nil, ErrAccepted
	default:
		c.mu.Unlock()
		return nil, ErrRetryRequired
	}
	c.state = StateCapturing
	c.failure = nil
	c.mu.Unlock()

	started := c.now()
	out := c.run(ctx)
	out.Step = c.step
	out.VerificationID = c.verificationID
	out.Duration = c.now().Sub(started)

	c.mu.Lock()
	c.state = out.State
	c.failure = out.Failure
	c.mu.Unlock()

	if out.Failure != nil {
		c.logger.Info("capture attempt failed",
			zap.String("state", string(out.State)),
			zap.String("kind", string(out.Failure.Kind)),
			zap.String("reason", string(out.Failure.Reason)),
			zap.Error(out.Failure.Err),
		)
	} else {
		c.logger.Info("capture attempt accepted", zap.Duration("duration", out.Duration))
	}
	return out, nil
}

func (c *Cycle) run(ctx context.Context) *Outcome {
	if !c.camera.Active() {
		return failed(StateFailed, newFailure(KindCamera, ReasonCameraUnavailable, "Camera is not available.", camera.ErrNoStream))
	}
	if !c.camera.IsReady() {
		return failed(StateFailed, newFailure(KindCamera, ReasonCameraNotReady, "Camera is not ready. Please wait for the preview and try again.", camera.ErrNoFrame))
	}
	frame := c.camera.Snapshot()
	if frame.Empty() {
		return failed(StateFailed, newFailure(KindProcessing, ReasonNoFrame, "Failed to capture image. Please try again.", camera.ErrNoFrame))
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return failed(StateFailed, newFailure(KindProcessing, ReasonEncode, "Failed to process image. Please try again.", err))
	}
	payload := buf.Bytes()

	// The stream is not needed while the verdict is pending.
	c.camera.Release()

	c.mu.Lock()
	c.state = StateUploading
	c.mu.Unlock()

	var artifact *session.Artifact
	if c.step.Kind != flow.KindScan {
		artifact = &session.Artifact{Payload: payload, CapturedAt: frame.CapturedAt}
		if c.previews != nil {
			artifact.Preview = c.previews.Put(payload)
		}
	}

	out := c.upload(ctx, payload)
	if out.State == StateAccepted {
		out.Artifact = artifact
		return out
	}
	if artifact != nil && artifact.Preview != "" && c.previews != nil {
		c.previews.Release(artifact.Preview)
	}
	return out
}

func (c *Cycle) upload(ctx context.Context, payload []byte) *Outcome {
	switch c.step.Kind {
	case flow.KindSelfie:
		resp, err := c.classifier.ClassifySelfie(ctx, c.verificationID, payload)
		if err != nil {
			return networkFailure(err)
		}
		if f := interpretSelfie(resp); f != nil {
			return &Outcome{State: StateNetworkFailed, Failure: f, Response: resp}
		}
		return &Outcome{State: StateAccepted, Response: resp}

	case flow.KindDocumentFront, flow.KindDocumentBack:
		side := kycapi.SideFront
		if c.step.Kind == flow.KindDocumentBack {
			side = kycapi.SideBack
		}
		resp, err := c.classifier.ClassifyDocument(ctx, c.verificationID, side, payload)
		if err != nil {
			return networkFailure(err)
		}
		if f := interpretDocument(resp); f != nil {
			state := StateRejected
			if f.Kind == KindNetwork {
				state = StateNetworkFailed
			}
			return &Outcome{State: state, Failure: f, Response: resp}
		}
		return &Outcome{State: StateAccepted, Response: resp}

	case flow.KindScan:
		resp, err := c.classifier.Scan(ctx, c.verificationID, c.step.Modality, payload)
		if err != nil {
			return networkFailure(err)
		}
		parsed, f := interpretScan(resp)
		if f != nil {
			return &Outcome{State: StateRejected, Failure: f, Response: resp}
		}
		return &Outcome{State: StateAccepted, Response: resp, ScanPayload: parsed}
	}
	return failed(StateFailed, newFailure(KindProcessing, ReasonEncode, "Step does not capture images.", ErrNotCapture))
}

// Retry re-acquires the camera after a failed attempt.
func (c *Cycle) Retry(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateRejected, StateNetworkFailed, StateFailed:
	case StateCapturing, StateUploading:
		return ErrBusy
	default:
		return ErrNotRetryable
	}
	return c.acquireLocked(ctx)
}

// Close releases the camera. The cycle cannot be used afterwards.
func (c *Cycle) Close() {
	c.camera.Release()
}

func failed(state State, f *Failure) *Outcome {
	return &Outcome{State: state, Failure: f}
}

func networkFailure(err error) *Outcome {
	message := "Network error. Please check your connection and try again."
	if errors.Is(err, context.DeadlineExceeded) {
		message = "The request timed out. Please try again."
	}
	return failed(StateNetworkFailed, newFailure(KindNetwork, ReasonTransport, message, err))
}

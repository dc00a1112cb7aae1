package wizard

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/kyc-flow/internal/camera"
	"github.com/example/kyc-flow/internal/capture"
	"github.com/example/kyc-flow/internal/flow"
	"github.com/example/kyc-flow/internal/kycapi"
	"github.com/example/kyc-flow/internal/logging"
	"github.com/example/kyc-flow/internal/session"
)

// Session is one user's wizard. Every event is serialized by mu; capture
// uploads run in the background and are applied only while the verification
// session and cycle that started them are still current.
type Session struct {
	userID string
	svc    *Service
	device *camera.FrameBuffer

	mu         sync.Mutex
	seq        *flow.Sequencer
	record     *session.Record
	cycle      *capture.Cycle
	inflight   bool
	submission *SubmissionView
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *zap.Logger
	closed     bool

	background sync.WaitGroup
}

func newSession(svc *Service, userID string, template []string) *Session {
	s := &Session{
		userID: userID,
		svc:    svc,
		device: camera.NewFrameBuffer(),
		seq:    flow.NewSequencer(svc.deps.Reference),
	}
	s.seq.SetTemplate(template)
	s.resetLocked()
	s.syncStepLocked()
	return s
}

// UserID is the wizard owner.
func (s *Session) UserID() string { return s.userID }

// VerificationID is the id of the current verification session.
func (s *Session) VerificationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.ID
}

// View returns the renderer-facing state.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// SelectCountry records the issuing country and recomputes the flow.
func (s *Session) SelectCountry(ctx context.Context, countryCode string) (View, error) {
	countryCode = strings.TrimSpace(countryCode)
	if countryCode == "" {
		return s.View(), ErrSelectionRequired
	}
	return s.mutate(ctx, func() error {
		s.seq.SelectCountry(countryCode)
		return nil
	})
}

// SelectDocumentType records the document type and recomputes the flow.
func (s *Session) SelectDocumentType(ctx context.Context, documentType string) (View, error) {
	documentType = strings.TrimSpace(documentType)
	if documentType == "" {
		return s.View(), ErrSelectionRequired
	}
	return s.mutate(ctx, func() error {
		s.seq.SelectDocumentType(documentType)
		return nil
	})
}

// Advance leaves the current step. Selection steps require their selection;
// capture steps advance on their own once accepted.
func (s *Session) Advance(ctx context.Context) (View, error) {
	return s.mutate(ctx, func() error {
		step, ok := s.seq.CurrentStep()
		if !ok {
			return ErrNoFlow
		}
		switch step.Kind {
		case flow.KindCountrySelect:
			if s.seq.Country() == "" {
				return ErrSelectionRequired
			}
		case flow.KindDocumentTypeSelect:
			if s.seq.DocumentType() == "" {
				return ErrSelectionRequired
			}
		case flow.KindSelfie, flow.KindDocumentFront, flow.KindDocumentBack, flow.KindScan:
			return ErrCaptureRequired
		case flow.KindComplete:
		default:
			return ErrUnsupportedStep
		}
		s.seq.Advance()
		return nil
	})
}

// PushFrame feeds an encoded camera frame to the open stream.
func (s *Session) PushFrame(data []byte) error {
	return s.device.Push(data)
}

// Capture starts a capture-validate attempt for the current step. The
// returned channel yields the outcome once it has been applied, or is closed
// without a value when the attempt was refused.
func (s *Session) Capture() (<-chan *capture.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrNoSession
	}
	step, ok := s.seq.CurrentStep()
	if !ok {
		return nil, ErrNoFlow
	}
	if s.cycle == nil {
		return nil, ErrNotCaptureStep
	}
	if s.inflight {
		return nil, capture.ErrBusy
	}
	switch s.cycle.State() {
	case capture.StateIdle:
	case capture.StateCapturing, capture.StateUploading:
		return nil, capture.ErrBusy
	case capture.StateAccepted:
		return nil, capture.ErrAccepted
	default:
		return nil, capture.ErrRetryRequired
	}

	cycle := s.cycle
	recordID := s.record.ID
	ctx := s.ctx
	s.record.MarkProcessing(slotFor(step))
	s.inflight = true

	done := make(chan *capture.Outcome, 1)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer close(done)
		out, err := cycle.Capture(ctx)
		if err != nil {
			s.refused(recordID, cycle, step, err)
			return
		}
		s.apply(recordID, cycle, out)
		done <- out
	}()
	return done, nil
}

// Retry re-arms the current capture step after a failed attempt.
func (s *Session) Retry(ctx context.Context) (View, error) {
	return s.mutate(ctx, func() error {
		if s.cycle == nil {
			return ErrNotCaptureStep
		}
		if s.inflight {
			return capture.ErrBusy
		}
		err := s.cycle.Retry(s.ctx)
		var failure *capture.Failure
		if errors.As(err, &failure) {
			// The camera failure is reported through the view.
			return nil
		}
		return err
	})
}

// Restart abandons the verification session: the in-flight upload is
// cancelled, every artifact is released, selections are cleared and a new
// verification id is minted. The flow template is kept.
func (s *Session) Restart(ctx context.Context) (View, error) {
	return s.mutate(ctx, func() error {
		s.closeCycleLocked()
		s.resetLocked()
		s.seq.Restart()
		return nil
	})
}

// Close releases the camera and every artifact.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	s.closeCycleLocked()
	s.record.Release()
}

// Wait blocks until background work (uploads, OCR, submission) has finished.
func (s *Session) Wait() {
	s.background.Wait()
}

func (s *Session) mutate(ctx context.Context, fn func() error) (View, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return View{}, ErrNoSession
	}
	if err := fn(); err != nil {
		view := s.viewLocked()
		s.mu.Unlock()
		return view, err
	}
	s.syncStepLocked()
	view := s.viewLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.svc.storeSnapshot(ctx, snapshot)
	return view, nil
}

// resetLocked starts a fresh verification session record.
func (s *Session) resetLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.record != nil {
		s.record.Release()
	}
	s.record = session.New(s.svc.deps.Previews)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.logger = logging.WithSession(s.svc.logger, s.userID, s.record.ID)
	s.inflight = false
	s.submission = nil
}

// syncStepLocked makes the capture cycle follow the current step: entering a
// capture step acquires the camera, leaving one releases it.
func (s *Session) syncStepLocked() {
	step, ok := s.seq.CurrentStep()
	if !ok || !step.IsCapture() {
		s.closeCycleLocked()
		return
	}
	if s.cycle != nil && s.cycle.Step() == step && s.cycle.VerificationID() == s.record.ID {
		return
	}
	s.closeCycleLocked()

	manager := camera.NewManager(s.device, s.logger)
	cycle, err := capture.NewCycle(step, s.record.ID, manager, s.svc.deps.Classifier, s.svc.deps.Previews, s.logger)
	if err != nil {
		s.logger.Error("failed to create capture cycle", zap.String("step", step.ID()), zap.Error(err))
		return
	}
	s.cycle = cycle
	if err := cycle.Start(s.ctx); err != nil {
		s.logger.Warn("camera unavailable on step entry", zap.String("step", step.ID()), zap.Error(err))
	}
}

func (s *Session) closeCycleLocked() {
	if s.cycle == nil {
		return
	}
	// The late outcome of a superseded upload is discarded, so the slot it
	// marked processing goes back to pending here.
	if s.inflight && s.record != nil {
		s.record.MarkPending(slotFor(s.cycle.Step()))
	}
	s.cycle.Close()
	s.cycle = nil
	s.inflight = false
}

func (s *Session) refused(recordID string, cycle *capture.Cycle, step flow.Step, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.record.ID != recordID || s.cycle != cycle {
		return
	}
	s.inflight = false
	s.record.MarkPending(slotFor(step))
	s.logger.Warn("capture refused", zap.String("step", step.ID()), zap.Error(err))
}

func (s *Session) apply(recordID string, cycle *capture.Cycle, out *capture.Outcome) {
	s.mu.Lock()
	if s.closed || s.record.ID != recordID || s.cycle != cycle {
		logger := s.logger
		s.mu.Unlock()

		logger.Info("discarding stale capture result",
			zap.String("stale_verification_id", recordID),
			zap.String("step", out.Step.ID()),
			zap.String("state", string(out.State)),
		)
		s.svc.deps.Metrics.IncrementStale()
		if out.Artifact != nil && out.Artifact.Preview != "" && s.svc.deps.Previews != nil {
			s.svc.deps.Previews.Release(out.Artifact.Preview)
		}
		return
	}

	s.inflight = false
	slot := slotFor(out.Step)
	if out.Response != nil {
		s.record.SetResponse(string(slot), out.Response)
	}

	var ocrImage []byte
	var submission *kycapi.Submission
	if out.State == capture.StateAccepted {
		switch out.Step.Kind {
		case flow.KindScan:
			if err := s.record.SetScan(out.ScanPayload); err != nil {
				s.logger.Error("failed to store scan payload", zap.Error(err))
			}
			completion := s.record.Completion()
			submission = &kycapi.Submission{
				VerificationID:         completion.VerificationID,
				SelfieProcessed:        completion.SelfieProcessed,
				DocumentFrontProcessed: completion.DocumentFrontProcessed,
				DocumentBackProcessed:  completion.DocumentBackProcessed,
				MRZProcessed:           completion.ScanProcessed,
			}
		default:
			if err := s.record.Attach(slot, out.Artifact); err != nil {
				s.logger.Error("failed to attach artifact", zap.String("slot", string(slot)), zap.Error(err))
			}
			if out.Step.Kind != flow.KindSelfie && out.Artifact != nil {
				ocrImage = out.Artifact.Payload
			}
		}
		s.seq.Advance()
		s.syncStepLocked()
	} else {
		s.record.MarkPending(slot)
	}

	snapshot := s.snapshotLocked()
	ctx := s.ctx
	s.mu.Unlock()

	s.svc.deps.Metrics.ObserveCapture(out.Step.ID(), string(out.State), out.Duration)
	s.svc.recordAttempt(ctx, s.userID, out)
	s.svc.storeSnapshot(ctx, snapshot)

	if ocrImage != nil {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			s.extractOCR(ctx, recordID, slot, ocrImage)
		}()
	}
	if submission != nil {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			s.submit(ctx, recordID, *submission)
		}()
	}
}

func (s *Session) extractOCR(ctx context.Context, recordID string, slot session.Slot, image []byte) {
	extractor := s.svc.deps.OCR
	if extractor == nil {
		return
	}
	requestID := "ML_" + uuid.NewString()
	raw, err := extractor.ExtractOCR(ctx, requestID, image)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.logger.Warn("ocr extraction failed", zap.String("slot", string(slot)), zap.String("ocr_request_id", requestID), zap.Error(err))
		return
	}
	if s.record.ID != recordID {
		return
	}
	s.record.SetResponse("ocr:"+string(slot), raw)
}

func (s *Session) submit(ctx context.Context, recordID string, submission kycapi.Submission) {
	submitter := s.svc.deps.Submitter
	if submitter == nil {
		return
	}
	// The submission outlives a restart of the wizard that produced it.
	ack, err := submitter.SubmitVerification(context.WithoutCancel(ctx), submission)

	view := &SubmissionView{}
	if err != nil {
		view.Error = err.Error()
		s.svc.deps.Metrics.IncrementSubmission("error")
	} else {
		view.Status = ack.Status
		view.Message = ack.Message
		s.svc.deps.Metrics.IncrementSubmission("ok")
	}

	s.mu.Lock()
	if err != nil {
		s.logger.Error("final submission failed", zap.Error(err))
	} else {
		s.logger.Info("final submission accepted", zap.String("status", ack.Status))
	}
	if s.record.ID != recordID {
		s.mu.Unlock()
		return
	}
	s.submission = view
	if ack != nil {
		s.record.SetResponse("submission", ack)
	}
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.svc.storeSnapshot(ctx, snapshot)
}

func (s *Session) viewLocked() View {
	view := View{
		UserID:         s.userID,
		VerificationID: s.record.ID,
		Position:       s.seq.Position(),
		Steps:          flow.IDs(s.seq.Steps()),
		Country:        s.seq.Country(),
		DocumentType:   s.seq.DocumentType(),
		Artifacts:      s.record.Statuses(),
		Complete:       s.completeLocked(),
		Submission:     s.submission,
	}
	res := s.seq.Resolution()
	view.Resolution = ResolutionView{Found: res.Found, Modality: res.Modality, RequiresBack: res.RequiresBack}

	if step, ok := s.seq.CurrentStep(); ok {
		screen := flow.Describe(step)
		view.Screen = &screen
	}
	if s.cycle != nil {
		view.Capture = &CaptureView{
			Step:        s.cycle.Step().ID(),
			State:       s.cycle.State(),
			CameraReady: s.cycle.CameraReady(),
			Failure:     s.cycle.Failure(),
		}
	}
	for _, slot := range session.Slots {
		if a, ok := s.record.Artifact(slot); ok && a.Preview != "" {
			if view.Previews == nil {
				view.Previews = make(map[session.Slot]session.PreviewHandle)
			}
			view.Previews[slot] = a.Preview
		}
	}
	return view
}

func (s *Session) completeLocked() bool {
	step, ok := s.seq.CurrentStep()
	return ok && step.Kind == flow.KindComplete
}

func (s *Session) snapshotLocked() StatusSnapshot {
	snapshot := StatusSnapshot{
		UserID:         s.userID,
		VerificationID: s.record.ID,
		Position:       s.seq.Position(),
		Statuses:       s.record.Statuses(),
		Complete:       s.completeLocked(),
		Submitted:      s.submission != nil && s.submission.Error == "",
		UpdatedAt:      time.Now().UTC(),
	}
	if step, ok := s.seq.CurrentStep(); ok {
		snapshot.Step = step.ID()
	}
	return snapshot
}

func (s *Session) snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

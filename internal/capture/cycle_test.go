package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/kyc-flow/internal/camera"
	"github.com/example/kyc-flow/internal/flow"
	"github.com/example/kyc-flow/internal/kycapi"
	"github.com/example/kyc-flow/internal/reference"
	"github.com/example/kyc-flow/internal/session"
)

type fakeClassifier struct {
	mu       sync.Mutex
	selfie   *kycapi.SelfieResponse
	document *kycapi.DocumentResponse
	scan     *kycapi.ScanResponse
	err      error
	block    chan struct{}
	calls    int
	sides    []kycapi.DocumentSide
	modality reference.Modality
}

func (f *fakeClassifier) wait(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block == nil {
		return nil
	}
	select {
	case <-block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeClassifier) ClassifySelfie(ctx context.Context, verificationID string, image []byte) (*kycapi.SelfieResponse, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.selfie, f.err
}

func (f *fakeClassifier) ClassifyDocument(ctx context.Context, verificationID string, side kycapi.DocumentSide, image []byte) (*kycapi.DocumentResponse, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sides = append(f.sides, side)
	f.mu.Unlock()
	return f.document, f.err
}

func (f *fakeClassifier) Scan(ctx context.Context, verificationID string, modality reference.Modality, image []byte) (*kycapi.ScanResponse, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.modality = modality
	f.mu.Unlock()
	return f.scan, f.err
}

func pngFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	img.Set(1, 1, color.RGBA{G: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	cycle      *Cycle
	manager    *camera.Manager
	device     *camera.FrameBuffer
	classifier *fakeClassifier
	previews   *session.PreviewCache
}

func newFixture(t *testing.T, step flow.Step) *fixture {
	t.Helper()
	device := camera.NewFrameBuffer()
	manager := camera.NewManager(device, zap.NewNop())
	classifier := &fakeClassifier{}
	previews := session.NewPreviewCache(time.Minute)
	cycle, err := NewCycle(step, "KYC-test", manager, classifier, previews, zap.NewNop())
	require.NoError(t, err)
	return &fixture{cycle: cycle, manager: manager, device: device, classifier: classifier, previews: previews}
}

func (f *fixture) startWithFrame(t *testing.T) {
	t.Helper()
	require.NoError(t, f.cycle.Start(context.Background()))
	require.NoError(t, f.device.Push(pngFrame(t)))
}

func TestNewCycleRejectsNonCaptureSteps(t *testing.T) {
	_, err := NewCycle(flow.Step{Kind: flow.KindComplete}, "KYC-1", nil, nil, nil, zap.NewNop())
	assert.ErrorIs(t, err, ErrNotCapture)
}

func TestFacingFor(t *testing.T) {
	assert.Equal(t, camera.FacingUser, FacingFor(flow.Step{Kind: flow.KindSelfie}))
	assert.Equal(t, camera.FacingEnvironment, FacingFor(flow.Step{Kind: flow.KindDocumentFront}))
	assert.Equal(t, camera.FacingEnvironment, FacingFor(flow.Step{Kind: flow.KindScan, Modality: reference.ModalityMRZ}))
}

func TestSelfieAcceptedForRealAndFake(t *testing.T) {
	for _, live := range []string{kycapi.LiveReal, kycapi.LiveFake} {
		t.Run(live, func(t *testing.T) {
			f := newFixture(t, flow.Step{Kind: flow.KindSelfie})
			f.classifier.selfie = &kycapi.SelfieResponse{Live: live}
			f.startWithFrame(t)
			assert.Equal(t, camera.FacingUser, f.manager.Facing())

			out, err := f.cycle.Capture(context.Background())
			require.NoError(t, err)
			assert.Equal(t, StateAccepted, out.State)
			assert.Nil(t, out.Failure)
			require.NotNil(t, out.Artifact)
			assert.NotEmpty(t, out.Artifact.Payload)
			assert.NotEmpty(t, out.Artifact.Preview)
			assert.Equal(t, "KYC-test", out.VerificationID)
			assert.False(t, f.manager.Active(), "camera released before upload")
			assert.Equal(t, StateAccepted, f.cycle.State())
		})
	}
}

func TestSelfieWithoutClassificationIsNetworkFailure(t *testing.T) {
	f := newFixture(t, flow.Step{Kind: flow.KindSelfie})
	f.classifier.selfie = &kycapi.SelfieResponse{ErrorMessage: "no face"}
	f.startWithFrame(t)

	out, err := f.cycle.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateNetworkFailed, out.State)
	require.NotNil(t, out.Failure)
	assert.Equal(t, KindNetwork, out.Failure.Kind)
	assert.Equal(t, "no face", out.Failure.Message)
	assert.Equal(t, 0, f.previews.Len(), "rejected preview released")
}

func TestDocumentFakeIsRejectedAsForgery(t *testing.T) {
	f := newFixture(t, flow.Step{Kind: flow.KindDocumentFront})
	f.classifier.document = &kycapi.DocumentResponse{Message: kycapi.MessageFake}
	f.startWithFrame(t)

	out, err := f.cycle.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRejected, out.State)
	require.NotNil(t, out.Failure)
	assert.Equal(t, KindValidation, out.Failure.Kind)
	assert.Equal(t, ReasonForgery, out.Failure.Reason)
	assert.NotEmpty(t, out.Failure.Tips)
	assert.Nil(t, out.Artifact)
	assert.Equal(t, 0, f.previews.Len())
}

func TestDocumentClearImageAccepted(t *testing.T) {
	f := newFixture(t, flow.Step{Kind: flow.KindDocumentBack})
	f.classifier.document = &kycapi.DocumentResponse{Message: "CLEAR IMAGE"}
	f.startWithFrame(t)

	out, err := f.cycle.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, out.State)
	require.NotNil(t, out.Artifact)
	assert.Equal(t, []kycapi.DocumentSide{kycapi.SideBack}, f.classifier.sides)
	assert.Equal(t, 1, f.previews.Len())
}

func TestDocumentOtherMessageIsUnclear(t *testing.T) {
	f := newFixture(t, flow.Step{Kind: flow.KindDocumentFront})
	f.classifier.document = &kycapi.DocumentResponse{Message: "BLURRY"}
	f.startWithFrame(t)

	out, err := f.cycle.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, ReasonUnclear, out.Failure.Reason)
	assert.Equal(t, "BLURRY", out.Failure.Message)
}

func TestScanOutcomes(t *testing.T) {
	parsed := json.RawMessage(`{"document_number":"X1"}`)
	cases := []struct {
		name  string
		resp  *kycapi.ScanResponse
		state State
	}{
		{"success", &kycapi.ScanResponse{Success: true, Data: &kycapi.ScanData{Status: "success", ParsedData: parsed}}, StateAccepted},
		{"status omitted", &kycapi.ScanResponse{Success: true, Data: &kycapi.ScanData{ParsedData: parsed}}, StateAccepted},
		{"not successful", &kycapi.ScanResponse{Success: false, Message: "no mrz"}, StateRejected},
		{"missing data", &kycapi.ScanResponse{Success: true}, StateRejected},
		{"failed status", &kycapi.ScanResponse{Success: true, Data: &kycapi.ScanData{Status: "failed", ParsedData: parsed}}, StateRejected},
		{"null parsed data", &kycapi.ScanResponse{Success: true, Data: &kycapi.ScanData{Status: "success", ParsedData: json.RawMessage("null")}}, StateRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, flow.Step{Kind: flow.KindScan, Modality: reference.ModalityBarcode})
			f.classifier.scan = tc.resp
			f.startWithFrame(t)

			out, err := f.cycle.Capture(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.state, out.State)
			assert.Nil(t, out.Artifact, "scan produces no image artifact")
			assert.Equal(t, reference.ModalityBarcode, f.classifier.modality)
			if tc.state == StateAccepted {
				assert.JSONEq(t, string(parsed), string(out.ScanPayload))
			} else {
				assert.Equal(t, ReasonScanFailed, out.Failure.Reason)
				assert.Nil(t, out.ScanPayload)
			}
		})
	}
}

func TestCaptureWithoutCameraIsCameraFailure(t *testing.T) {
	f := newFixture(t, flow.Step{Kind: flow.KindSelfie})

	out, err := f.cycle.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindCamera, out.Failure.Kind)
	assert.Zero(t, f.classifier.calls, "no network call without a camera")
}

func TestCaptureBeforeStreamReadyIsCameraFailure(t *testing.T) {
	f := newFixture(t, flow.Step{Kind: flow.KindSelfie})
	require.NoError(t, f.cycle.Start(context.Background()))

	out, err := f.cycle.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindCamera, out.Failure.Kind)
	assert.Equal(t, ReasonCameraNotReady, out.Failure.Reason)
	assert.ErrorIs(t, out.Failure, camera.ErrNoFrame)
	assert.Equal(t, tipsFor(KindCamera, ReasonCameraNotReady), out.Failure.Tips)
	assert.Zero(t, f.classifier.calls)
	assert.True(t, f.manager.Active(), "camera stays held for the next attempt")
}

func TestUndecodableFrameIsProcessingFailure(t *testing.T) {
	f := newFixture(t, flow.Step{Kind: flow.KindDocumentFront})
	require.NoError(t, f.cycle.Start(context.Background()))
	require.NoError(t, f.device.Push([]byte("not an image")))

	out, err := f.cycle.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindProcessing, out.Failure.Kind)
	assert.Equal(t, ReasonNoFrame, out.Failure.Reason)
	assert.Zero(t, f.classifier.calls)
}

type zeroStream struct{ ready chan struct{} }

func (s zeroStream) Ready() <-chan struct{}      { return s.ready }
func (s zeroStream) Frame() (image.Image, error) { return image.NewRGBA(image.Rect(0, 0, 0, 0)), nil }
func (s zeroStream) Close() error                { return nil }

type zeroDevice struct{}

func (zeroDevice) Open(ctx context.Context, facing camera.Facing) (camera.Stream, error) {
	ready := make(chan struct{})
	close(ready)
	return zeroStream{ready: ready}, nil
}

func TestZeroDimensionFrameIsProcessingFailure(t *testing.T) {
	classifier := &fakeClassifier{}
	manager := camera.NewManager(zeroDevice{}, zap.NewNop())
	cycle, err := NewCycle(flow.Step{Kind: flow.KindDocumentFront}, "KYC-z", manager, classifier, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, cycle.Start(context.Background()))

	out, err := cycle.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindProcessing, out.Failure.Kind)
	assert.Zero(t, classifier.calls)
}

func TestStartFailsWhenDeviceUnavailable(t *testing.T) {
	f := newFixture(t, flow.Step{Kind: flow.KindSelfie})
	f.device.SetUnavailable(errors.New("permission denied"))

	err := f.cycle.Start(context.Background())
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, KindCamera, failure.Kind)
	assert.ErrorIs(t, err, camera.ErrUnavailable)
	assert.Equal(t, StateFailed, f.cycle.State())

	_, err = f.cycle.Capture(context.Background())
	assert.ErrorIs(t, err, ErrRetryRequired)

	f.device.SetUnavailable(nil)
	require.NoError(t, f.cycle.Retry(context.Background()))
	assert.Equal(t, StateIdle, f.cycle.State())
}

func TestTransportErrorIsNetworkFailure(t *testing.T) {
	f := newFixture(t, flow.Step{Kind: flow.KindDocumentFront})
	f.classifier.err = errors.New("connection refused")
	f.startWithFrame(t)

	out, err := f.cycle.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateNetworkFailed, out.State)
	assert.Equal(t, KindNetwork, out.Failure.Kind)
	assert.Equal(t, ReasonTransport, out.Failure.Reason)
	assert.Equal(t, 0, f.previews.Len())
}

func TestCancelledUploadIsNetworkFailure(t *testing.T) {
	f := newFixture(t, flow.Step{Kind: flow.KindSelfie})
	f.classifier.block = make(chan struct{})
	f.startWithFrame(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := f.cycle.Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateNetworkFailed, out.State)
	assert.ErrorIs(t, out.Failure, context.Canceled)
}

func TestCaptureIsSingleFlight(t *testing.T) {
	f := newFixture(t, flow.Step{Kind: flow.KindSelfie})
	f.classifier.selfie = &kycapi.SelfieResponse{Live: kycapi.LiveReal}
	f.classifier.block = make(chan struct{})
	f.startWithFrame(t)

	done := make(chan *Outcome, 1)
	go func() {
		out, _ := f.cycle.Capture(context.Background())
		done <- out
	}()

	require.Eventually(t, func() bool { return f.cycle.State() == StateUploading }, time.Second, 5*time.Millisecond)
	_, err := f.cycle.Capture(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, f.cycle.Retry(context.Background()), ErrBusy)

	close(f.classifier.block)
	out := <-done
	require.NotNil(t, out)
	assert.Equal(t, StateAccepted, out.State)
	assert.Equal(t, 1, f.classifier.calls)

	_, err = f.cycle.Capture(context.Background())
	assert.ErrorIs(t, err, ErrAccepted)
	assert.ErrorIs(t, f.cycle.Retry(context.Background()), ErrNotRetryable)
}

func TestRetryAfterRejectionReacquiresCamera(t *testing.T) {
	f := newFixture(t, flow.Step{Kind: flow.KindDocumentFront})
	f.classifier.document = &kycapi.DocumentResponse{Message: kycapi.MessageFake}
	f.startWithFrame(t)

	out, err := f.cycle.Capture(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateRejected, out.State)
	assert.False(t, f.manager.Active())

	_, err = f.cycle.Capture(context.Background())
	assert.ErrorIs(t, err, ErrRetryRequired)

	require.NoError(t, f.cycle.Retry(context.Background()))
	assert.True(t, f.manager.Active())
	assert.Equal(t, camera.FacingEnvironment, f.manager.Facing())
	assert.Nil(t, f.cycle.Failure())

	f.classifier.document = &kycapi.DocumentResponse{Message: kycapi.MessageClearImage}
	require.NoError(t, f.device.Push(pngFrame(t)))
	out, err = f.cycle.Capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, out.State)
}

func TestTipsDifferByKind(t *testing.T) {
	cameraTips := tipsFor(KindCamera, ReasonCameraUnavailable)
	network := tipsFor(KindNetwork, ReasonTransport)
	forgery := tipsFor(KindValidation, ReasonForgery)
	assert.NotEqual(t, cameraTips, network)
	assert.NotEqual(t, network, forgery)
}

package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/example/kyc-flow/internal/kycapi"
	"github.com/example/kyc-flow/internal/repository"
)

var (
	ErrNoSession          = errors.New("wizard: no session for user")
	ErrNoFlow             = errors.New("wizard: flow template is empty")
	ErrSelectionRequired  = errors.New("wizard: selection required before advancing")
	ErrCaptureRequired    = errors.New("wizard: step must be captured before advancing")
	ErrNotCaptureStep     = errors.New("wizard: current step does not capture images")
	ErrUnsupportedStep    = errors.New("wizard: current step is not supported")
	ErrVerificationAbsent = errors.New("wizard: verification not found")
	ErrNoAttemptLog       = errors.New("wizard: attempt persistence is not configured")
)

// TemplateSource fetches the per-user flow template.
type TemplateSource interface {
	FetchFlowTemplate(ctx context.Context, userID string) (*kycapi.FlowTemplate, error)
}

// Submitter sends the final completion report.
type Submitter interface {
	SubmitVerification(ctx context.Context, submission kycapi.Submission) (*kycapi.SubmissionAck, error)
}

// OCRExtractor pulls text fields out of an accepted document image.
type OCRExtractor interface {
	ExtractOCR(ctx context.Context, requestID string, image []byte) (json.RawMessage, error)
}

// AttemptRecorder persists capture attempts.
type AttemptRecorder interface {
	SaveAttempt(ctx context.Context, attempt *repository.CaptureAttempt) error
	ListByVerification(ctx context.Context, verificationID string) ([]*repository.CaptureAttempt, error)
	AggregateMetrics(ctx context.Context) ([]repository.StepAggregation, error)
}

// Cache abstracts the Redis operations used for status snapshots to make
// testing easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

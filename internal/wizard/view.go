package wizard

import (
	"time"

	"github.com/example/kyc-flow/internal/capture"
	"github.com/example/kyc-flow/internal/flow"
	"github.com/example/kyc-flow/internal/reference"
	"github.com/example/kyc-flow/internal/session"
)

// View is the renderer-facing state of a wizard.
type View struct {
	UserID         string                                 `json:"user_id"`
	VerificationID string                                 `json:"verification_id"`
	Position       int                                    `json:"position"`
	Steps          []string                               `json:"steps"`
	Screen         *flow.Screen                           `json:"screen,omitempty"`
	Country        string                                 `json:"country,omitempty"`
	DocumentType   string                                 `json:"document_type,omitempty"`
	Resolution     ResolutionView                         `json:"resolution"`
	Capture        *CaptureView                           `json:"capture,omitempty"`
	Artifacts      map[session.Slot]session.Status        `json:"artifacts"`
	Previews       map[session.Slot]session.PreviewHandle `json:"previews,omitempty"`
	Complete       bool                                   `json:"complete"`
	Submission     *SubmissionView                        `json:"submission,omitempty"`
}

// ResolutionView reports how the selection matched the reference table.
type ResolutionView struct {
	Found        bool               `json:"found"`
	Modality     reference.Modality `json:"modality"`
	RequiresBack bool               `json:"requires_back"`
}

// CaptureView is the state of the current step's capture cycle.
type CaptureView struct {
	Step        string           `json:"step"`
	State       capture.State    `json:"state"`
	CameraReady bool             `json:"camera_ready"`
	Failure     *capture.Failure `json:"failure,omitempty"`
}

// SubmissionView is the result of the final submission.
type SubmissionView struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusSnapshot is the externally queryable status of one verification
// session. It is written to Redis on every state change.
type StatusSnapshot struct {
	UserID         string                          `json:"user_id"`
	VerificationID string                          `json:"verification_id"`
	Step           string                          `json:"step,omitempty"`
	Position       int                             `json:"position"`
	Statuses       map[session.Slot]session.Status `json:"statuses"`
	Complete       bool                            `json:"complete"`
	Submitted      bool                            `json:"submitted"`
	UpdatedAt      time.Time                       `json:"updated_at"`
	Attempts       []AttemptView                   `json:"attempts,omitempty"`
}

// AttemptView is one persisted capture attempt.
type AttemptView struct {
	Step       string    `json:"step"`
	State      string    `json:"state"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func slotFor(step flow.Step) session.Slot {
	switch step.Kind {
	case flow.KindSelfie:
		return session.SlotSelfie
	case flow.KindDocumentFront:
		return session.SlotDocumentFront
	case flow.KindDocumentBack:
		return session.SlotDocumentBack
	default:
		return session.SlotScan
	}
}

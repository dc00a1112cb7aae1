package capture

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why an attempt did not produce an accepted artifact.
// Every kind is recoverable by retrying the step.
type ErrorKind string

const (
	KindCamera     ErrorKind = "camera"
	KindProcessing ErrorKind = "processing"
	KindValidation ErrorKind = "validation"
	KindNetwork    ErrorKind = "network"
)

// Reason refines an ErrorKind.
type Reason string

const (
	ReasonCameraUnavailable  Reason = "camera-unavailable"
	ReasonCameraNotReady     Reason = "camera-not-ready"
	ReasonNoFrame            Reason = "no-frame"
	ReasonEncode             Reason = "encode-failed"
	ReasonForgery            Reason = "forgery"
	ReasonUnclear            Reason = "unclear"
	ReasonScanFailed         Reason = "scan-failed"
	ReasonUnexpectedResponse Reason = "unexpected-response"
	ReasonTransport          Reason = "transport"
)

var (
	ErrBusy          = errors.New("capture: attempt already in flight")
	ErrAccepted      = errors.New("capture: step already accepted")
	ErrRetryRequired = errors.New("capture: retry the step before capturing again")
	ErrNotRetryable  = errors.New("capture: nothing to retry")
	ErrNotCapture    = errors.New("capture: step does not capture images")
)

// Failure describes a failed attempt and the guidance shown with the retry
// affordance.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Reason  Reason    `json:"reason"`
	Message string    `json:"message"`
	Tips    []string  `json:"tips,omitempty"`
	Err     error     `json:"-"`
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", f.Kind, f.Reason, f.Message, f.Err)
	}
	return fmt.Sprintf("%s (%s): %s", f.Kind, f.Reason, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

func newFailure(kind ErrorKind, reason Reason, message string, err error) *Failure {
	return &Failure{Kind: kind, Reason: reason, Message: message, Tips: tipsFor(kind, reason), Err: err}
}

func tipsFor(kind ErrorKind, reason Reason) []string {
	switch kind {
	case KindCamera:
		return []string{"Ensure your camera is connected and accessible.", "Allow camera access and try again."}
	case KindProcessing:
		return []string{"Try again.", "Ensure good lighting and camera focus."}
	case KindNetwork:
		return []string{"Check your internet connection.", "Try again later."}
	}
	switch reason {
	case ReasonForgery:
		return []string{"Ensure the document is genuine.", "Try again with a real document."}
	case ReasonScanFailed:
		return []string{"Ensure the code is clearly visible.", "Try again with better lighting or angle."}
	default:
		return []string{"Ensure the document is fully visible.", "Avoid glare or shadows."}
	}
}

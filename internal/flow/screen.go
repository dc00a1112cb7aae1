package flow

import (
	"fmt"

	"github.com/example/kyc-flow/internal/reference"
)

// Callback names an action a renderer may offer on a screen.
type Callback string

const (
	CallbackSelectCountry      Callback = "select-country"
	CallbackSelectDocumentType Callback = "select-document-type"
	CallbackNext               Callback = "next"
	CallbackFrame              Callback = "frame"
	CallbackCapture            Callback = "capture"
	CallbackRetry              Callback = "retry"
	CallbackRestart            Callback = "restart"
)

// Screen is the contract handed to the external renderer for one step.
type Screen struct {
	Step       string     `json:"step"`
	Name       string     `json:"screen"`
	Supported  bool       `json:"supported"`
	Camera     string     `json:"camera,omitempty"`
	Callbacks  []Callback `json:"callbacks,omitempty"`
	Diagnostic string     `json:"diagnostic,omitempty"`
}

var captureCallbacks = []Callback{CallbackFrame, CallbackCapture, CallbackRetry}

// Describe maps a step onto its renderer contract. Every Kind has a case; a
// step outside the vocabulary gets the "unsupported" diagnostic screen.
func Describe(step Step) Screen {
	screen := Screen{Step: step.ID(), Supported: true}
	switch step.Kind {
	case KindCountrySelect:
		screen.Name = "country-selection"
		screen.Callbacks = []Callback{CallbackSelectCountry, CallbackNext}
	case KindDocumentTypeSelect:
		screen.Name = "document-selection"
		screen.Callbacks = []Callback{CallbackSelectDocumentType, CallbackNext}
	case KindSelfie:
		screen.Name = "selfie-capture"
		screen.Camera = "user"
		screen.Callbacks = captureCallbacks
	case KindDocumentFront:
		screen.Name = "document-front-capture"
		screen.Camera = "environment"
		screen.Callbacks = captureCallbacks
	case KindDocumentBack:
		screen.Name = "document-back-capture"
		screen.Camera = "environment"
		screen.Callbacks = captureCallbacks
	case KindScan:
		switch step.Modality {
		case reference.ModalityMRZ:
			screen.Name = "mrz-scanner"
		case reference.ModalityBarcode:
			screen.Name = "barcode-scanner"
		default:
			return unsupported(step, "scan step has no resolved modality")
		}
		screen.Camera = "environment"
		screen.Callbacks = captureCallbacks
	case KindComplete:
		screen.Name = "thank-you"
		screen.Callbacks = []Callback{CallbackRestart}
	case KindUnsupported:
		return unsupported(step, fmt.Sprintf("unsupported step %q", step.Raw))
	default:
		return unsupported(step, fmt.Sprintf("unknown step kind %d", step.Kind))
	}
	return screen
}

func unsupported(step Step, diagnostic string) Screen {
	return Screen{
		Step:       step.ID(),
		Name:       "unsupported",
		Supported:  false,
		Callbacks:  []Callback{CallbackRestart},
		Diagnostic: diagnostic,
	}
}

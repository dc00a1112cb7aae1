// Package flow decides which wizard steps exist, in what order, and where the
// user currently is.
package flow

import (
	"strings"

	"github.com/example/kyc-flow/internal/reference"
)

// Kind is the closed vocabulary of wizard steps.
type Kind uint8

const (
	KindUnsupported Kind = iota
	KindCountrySelect
	KindDocumentTypeSelect
	KindSelfie
	KindDocumentFront
	KindDocumentBack
	KindScan
	KindComplete
)

// Kinds lists every supported kind in canonical order.
var Kinds = []Kind{
	KindCountrySelect,
	KindDocumentTypeSelect,
	KindSelfie,
	KindDocumentFront,
	KindDocumentBack,
	KindScan,
	KindComplete,
}

func (k Kind) String() string {
	switch k {
	case KindCountrySelect:
		return "country-select"
	case KindDocumentTypeSelect:
		return "document-type-select"
	case KindSelfie:
		return "selfie"
	case KindDocumentFront:
		return "document-front"
	case KindDocumentBack:
		return "document-back"
	case KindScan:
		return "scan"
	case KindComplete:
		return "complete"
	default:
		return "unsupported"
	}
}

// Step is one entry of a flow. Scan steps carry the modality they resolved to;
// unsupported steps keep the raw template token for diagnostics.
type Step struct {
	Kind     Kind
	Modality reference.Modality
	Raw      string
}

// ID is the stable identifier exposed to renderers. Resolved scan steps
// report their modality ("mrz" or "barcode").
func (s Step) ID() string {
	switch s.Kind {
	case KindScan:
		if s.Modality == reference.ModalityMRZ || s.Modality == reference.ModalityBarcode {
			return string(s.Modality)
		}
		return KindScan.String()
	case KindUnsupported:
		return s.Raw
	default:
		return s.Kind.String()
	}
}

// IsCapture reports whether the step runs a capture-validate cycle.
func (s Step) IsCapture() bool {
	switch s.Kind {
	case KindSelfie, KindDocumentFront, KindDocumentBack, KindScan:
		return true
	}
	return false
}

var aliases = map[string]Kind{
	"country-select":       KindCountrySelect,
	"country-selection":    KindCountrySelect,
	"country":              KindCountrySelect,
	"document-type-select": KindDocumentTypeSelect,
	"document-type":        KindDocumentTypeSelect,
	"document-selection":   KindDocumentTypeSelect,
	"selfie":               KindSelfie,
	"selfie-capture":       KindSelfie,
	"selfiecapture":        KindSelfie,
	"selfie-page":          KindSelfie,
	"selfiepage":           KindSelfie,
	"document-front":       KindDocumentFront,
	"capture-id-front":     KindDocumentFront,
	"captureidfront":       KindDocumentFront,
	"id-front":             KindDocumentFront,
	"document-back":        KindDocumentBack,
	"capture-id-back":      KindDocumentBack,
	"captureidback":        KindDocumentBack,
	"id-back":              KindDocumentBack,
	"scan":                 KindScan,
	"scanning":             KindScan,
	"mrz":                  KindScan,
	"barcode":              KindScan,
	"complete":             KindComplete,
	"thank-you":            KindComplete,
	"thankyou":             KindComplete,
	"done":                 KindComplete,
}

// Canonical normalizes a step token: lower case, trimmed, with underscores
// and spaces folded into dashes.
func Canonical(token string) string {
	token = strings.ToLower(strings.TrimSpace(token))
	return strings.NewReplacer("_", "-", " ", "-").Replace(token)
}

// ParseStep maps a template token onto the closed vocabulary.
func ParseStep(token string) Step {
	key := Canonical(token)
	kind, ok := aliases[key]
	if !ok {
		return Step{Kind: KindUnsupported, Raw: strings.TrimSpace(token)}
	}
	step := Step{Kind: kind}
	switch key {
	case "mrz":
		step.Modality = reference.ModalityMRZ
	case "barcode":
		step.Modality = reference.ModalityBarcode
	}
	return step
}

// ParseTemplate canonicalizes a raw flow template once at ingestion. Blank
// tokens are dropped.
func ParseTemplate(tokens []string) []Step {
	steps := make([]Step, 0, len(tokens))
	for _, token := range tokens {
		if strings.TrimSpace(token) == "" {
			continue
		}
		steps = append(steps, ParseStep(token))
	}
	return steps
}

// IDs renders a flow as its step identifiers.
func IDs(steps []Step) []string {
	out := make([]string, len(steps))
	for i, step := range steps {
		out[i] = step.ID()
	}
	return out
}

// IsPassport reports whether a selected document type denotes a passport.
func IsPassport(documentType string) bool {
	switch strings.ToLower(strings.TrimSpace(documentType)) {
	case "pp", "passport":
		return true
	}
	return false
}

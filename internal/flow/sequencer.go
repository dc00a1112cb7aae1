package flow

import (
	"strings"

	"github.com/example/kyc-flow/internal/reference"
)

// NoPosition is reported while the flow has no steps yet.
const NoPosition = -1

// Sequencer holds the raw template, the user's selections and the position in
// the effective flow. Every input change runs Recompute explicitly.
//
// A Sequencer is not safe for concurrent use; the wizard session guards it.
type Sequencer struct {
	table        *reference.Table
	template     []Step
	country      string
	documentType string
	steps        []Step
	position     int
}

// NewSequencer returns a sequencer with no template.
func NewSequencer(table *reference.Table) *Sequencer {
	return &Sequencer{table: table, position: NoPosition}
}

// SetTemplate replaces the raw flow template.
func (s *Sequencer) SetTemplate(tokens []string) {
	s.template = ParseTemplate(tokens)
	s.recompute()
}

// SelectCountry records the issuing country.
func (s *Sequencer) SelectCountry(countryCode string) {
	s.country = strings.TrimSpace(countryCode)
	s.recompute()
}

// SelectDocumentType records the document type.
func (s *Sequencer) SelectDocumentType(documentType string) {
	s.documentType = strings.TrimSpace(documentType)
	s.recompute()
}

// CurrentStep returns the step at the current position. ok is false until a
// non-empty template has arrived.
func (s *Sequencer) CurrentStep() (Step, bool) {
	if s.position < 0 || s.position >= len(s.steps) {
		return Step{}, false
	}
	return s.steps[s.position], true
}

// Advance moves to the next step and returns it. Leaving document-front with a
// passport selected skips a directly following document-back regardless of
// the reference table. The position saturates at the last step.
func (s *Sequencer) Advance() (Step, bool) {
	if len(s.steps) == 0 {
		return Step{}, false
	}
	leaving := s.steps[s.position]
	next := s.position + 1
	if leaving.Kind == KindDocumentFront && IsPassport(s.documentType) &&
		next < len(s.steps) && s.steps[next].Kind == KindDocumentBack {
		next++
	}
	s.position = min(next, len(s.steps)-1)
	return s.steps[s.position], true
}

// Restart clears the selections and returns to the first step. The template
// is kept.
func (s *Sequencer) Restart() {
	s.country = ""
	s.documentType = ""
	s.steps = Recompute(s.template, "", "", s.table)
	s.position = NoPosition
	if len(s.steps) > 0 {
		s.position = 0
	}
}

// Position is the index of the current step, or NoPosition.
func (s *Sequencer) Position() int { return s.position }

// Steps returns a copy of the effective flow.
func (s *Sequencer) Steps() []Step {
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// Country is the selected country code.
func (s *Sequencer) Country() string { return s.country }

// DocumentType is the selected document type.
func (s *Sequencer) DocumentType() string { return s.documentType }

// Resolution reports how the current selection resolved against the table.
func (s *Sequencer) Resolution() Resolution {
	return Resolve(s.table, s.country, s.documentType)
}

// AtEnd reports whether the current step is the last one.
func (s *Sequencer) AtEnd() bool {
	return len(s.steps) > 0 && s.position == len(s.steps)-1
}

func (s *Sequencer) recompute() {
	s.steps = Recompute(s.template, s.country, s.documentType, s.table)
	switch {
	case len(s.steps) == 0:
		s.position = NoPosition
	case s.position < 0 || s.position >= len(s.steps):
		s.position = 0
	}
}

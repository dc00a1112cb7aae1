// Package session holds the evidence accumulated during one verification
// session.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Slot names one piece of evidence.
type Slot string

const (
	SlotSelfie        Slot = "selfie"
	SlotDocumentFront Slot = "document-front"
	SlotDocumentBack  Slot = "document-back"
	SlotScan          Slot = "scan"
)

// Slots lists every slot in capture order.
var Slots = []Slot{SlotSelfie, SlotDocumentFront, SlotDocumentBack, SlotScan}

// Status is the processing state of one slot.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
)

// Artifact is one accepted capture. The record owns it until Release.
type Artifact struct {
	Payload    []byte
	Preview    PreviewHandle
	CapturedAt time.Time
}

// Completion summarizes which evidence was gathered.
type Completion struct {
	VerificationID         string
	SelfieProcessed        bool
	DocumentFrontProcessed bool
	DocumentBackProcessed  bool
	ScanProcessed          bool
}

// Record is the verification session record. It is not safe for concurrent
// use; the wizard session serializes access.
type Record struct {
	ID        string
	CreatedAt time.Time

	previews    PreviewStore
	artifacts   map[Slot]*Artifact
	scanPayload json.RawMessage
	status      map[Slot]Status
	responses   map[string]any
	released    bool
}

// NewID mints a verification session id.
func NewID() string {
	return "KYC-" + uuid.NewString()
}

// New starts a record with a fresh id and every slot pending.
func New(previews PreviewStore) *Record {
	r := &Record{
		ID:        NewID(),
		CreatedAt: time.Now().UTC(),
		previews:  previews,
		artifacts: make(map[Slot]*Artifact),
		status:    make(map[Slot]Status, len(Slots)),
		responses: make(map[string]any),
	}
	for _, slot := range Slots {
		r.status[slot] = StatusPending
	}
	return r
}

// MarkProcessing flags a slot while its upload is in flight.
func (r *Record) MarkProcessing(slot Slot) {
	if r.released || r.status[slot] == StatusDone {
		return
	}
	r.status[slot] = StatusProcessing
}

// MarkPending resets a slot after a rejected or failed attempt.
func (r *Record) MarkPending(slot Slot) {
	if r.released || r.status[slot] == StatusDone {
		return
	}
	r.status[slot] = StatusPending
}

// Attach stores an accepted artifact. A previous artifact in the same slot is
// released first.
func (r *Record) Attach(slot Slot, artifact *Artifact) error {
	if r.released {
		return fmt.Errorf("session: record %s already released", r.ID)
	}
	if slot == SlotScan {
		return fmt.Errorf("session: scan results are stored with SetScan")
	}
	if prev, ok := r.artifacts[slot]; ok {
		r.releaseArtifact(prev)
	}
	r.artifacts[slot] = artifact
	r.status[slot] = StatusDone
	return nil
}

// SetScan stores the parsed machine-readable data.
func (r *Record) SetScan(payload json.RawMessage) error {
	if r.released {
		return fmt.Errorf("session: record %s already released", r.ID)
	}
	r.scanPayload = append(json.RawMessage(nil), payload...)
	r.status[SlotScan] = StatusDone
	return nil
}

// SetResponse keeps a remote response for later inspection.
func (r *Record) SetResponse(key string, response any) {
	if r.released {
		return
	}
	r.responses[key] = response
}

// Artifact returns the artifact in slot.
func (r *Record) Artifact(slot Slot) (*Artifact, bool) {
	a, ok := r.artifacts[slot]
	return a, ok
}

// ScanPayload returns the parsed scan data, nil until a scan is accepted.
func (r *Record) ScanPayload() json.RawMessage {
	return r.scanPayload
}

// Status of one slot.
func (r *Record) Status(slot Slot) Status {
	if s, ok := r.status[slot]; ok {
		return s
	}
	return StatusPending
}

// Statuses copies the per-slot statuses.
func (r *Record) Statuses() map[Slot]Status {
	out := make(map[Slot]Status, len(r.status))
	for k, v := range r.status {
		out[k] = v
	}
	return out
}

// Responses copies the stored remote responses.
func (r *Record) Responses() map[string]any {
	out := make(map[string]any, len(r.responses))
	for k, v := range r.responses {
		out[k] = v
	}
	return out
}

// Completion builds the per-artifact flags sent with the final submission.
func (r *Record) Completion() Completion {
	_, selfie := r.artifacts[SlotSelfie]
	_, front := r.artifacts[SlotDocumentFront]
	_, back := r.artifacts[SlotDocumentBack]
	return Completion{
		VerificationID:         r.ID,
		SelfieProcessed:        selfie,
		DocumentFrontProcessed: front,
		DocumentBackProcessed:  back,
		ScanProcessed:          r.scanPayload != nil,
	}
}

// Released reports whether Release has run.
func (r *Record) Released() bool { return r.released }

// Release frees every preview and clears the record. Further mutations are
// ignored.
func (r *Record) Release() {
	if r.released {
		return
	}
	for _, a := range r.artifacts {
		r.releaseArtifact(a)
	}
	r.artifacts = map[Slot]*Artifact{}
	r.scanPayload = nil
	r.responses = map[string]any{}
	r.released = true
}

func (r *Record) releaseArtifact(a *Artifact) {
	if a == nil || r.previews == nil || a.Preview == "" {
		return
	}
	r.previews.Release(a.Preview)
}

// Package kycapi talks to the remote verification backend: flow templates,
// image classification, machine-readable scans, OCR and final submission.
package kycapi

import (
	"encoding/json"
	"fmt"
)

// Verdict strings returned by the classification service.
const (
	MessageClearImage = "CLEAR IMAGE"
	MessageFake       = "FAKE"
	LiveReal          = "REAL"
	LiveFake          = "FAKE"
	ScanStatusSuccess = "success"
)

// DocumentSide selects which side of a document an image shows.
type DocumentSide string

const (
	SideFront DocumentSide = "document-front"
	SideBack  DocumentSide = "document-back"
)

// FlowTemplate is the per-user step list.
type FlowTemplate struct {
	UserID string   `json:"user_id,omitempty"`
	Flow   []string `json:"flow"`
}

// DocumentResponse is the verdict for a document image.
type DocumentResponse struct {
	Message string `json:"message"`
}

// SelfieResponse is the liveness verdict for a selfie.
type SelfieResponse struct {
	Live         string `json:"live"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ScanData carries the parsed machine-readable payload.
type ScanData struct {
	Status     string          `json:"status"`
	ParsedData json.RawMessage `json:"parsed_data,omitempty"`
}

// ScanResponse is the verdict for an MRZ or barcode image.
type ScanResponse struct {
	Success bool      `json:"success"`
	Message string    `json:"message,omitempty"`
	Data    *ScanData `json:"data,omitempty"`
}

// Submission is the final per-artifact completion report.
type Submission struct {
	VerificationID         string `json:"verificationId"`
	SelfieProcessed        bool   `json:"selfieProcessed"`
	DocumentFrontProcessed bool   `json:"documentFrontProcessed"`
	DocumentBackProcessed  bool   `json:"documentBackProcessed"`
	MRZProcessed           bool   `json:"mrzProcessed"`
}

// SubmissionAck is whatever the backend answers to a submission.
type SubmissionAck struct {
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// StatusError is returned for non-2xx answers.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("kycapi: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("kycapi: unexpected status %d: %s", e.StatusCode, e.Message)
}

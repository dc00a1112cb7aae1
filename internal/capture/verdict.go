package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/example/kyc-flow/internal/kycapi"
	"github.com/example/kyc-flow/internal/reference"
)

// Classifier is the remote classification contract. Both the HTTP client and
// the gRPC classifier implement it.
type Classifier interface {
	ClassifySelfie(ctx context.Context, verificationID string, image []byte) (*kycapi.SelfieResponse, error)
	ClassifyDocument(ctx context.Context, verificationID string, side kycapi.DocumentSide, image []byte) (*kycapi.DocumentResponse, error)
	Scan(ctx context.Context, verificationID string, modality reference.Modality, image []byte) (*kycapi.ScanResponse, error)
}

// interpretSelfie accepts any definite liveness classification, REAL or FAKE.
// Only a missing classification is a failure.
func interpretSelfie(resp *kycapi.SelfieResponse) *Failure {
	if resp != nil {
		switch strings.ToUpper(strings.TrimSpace(resp.Live)) {
		case kycapi.LiveReal, kycapi.LiveFake:
			return nil
		}
	}
	message := "Unexpected response from server."
	if resp != nil && resp.ErrorMessage != "" {
		message = resp.ErrorMessage
	}
	return newFailure(KindNetwork, ReasonUnexpectedResponse, message, nil)
}

// interpretDocument accepts only an explicit clear, genuine image.
func interpretDocument(resp *kycapi.DocumentResponse) *Failure {
	if resp == nil {
		return newFailure(KindNetwork, ReasonUnexpectedResponse, "Unexpected response from server.", nil)
	}
	switch strings.ToUpper(strings.TrimSpace(resp.Message)) {
	case kycapi.MessageClearImage:
		return nil
	case kycapi.MessageFake:
		return newFailure(KindValidation, ReasonForgery, "Fake document detected. Please retake.", nil)
	}
	message := resp.Message
	if message == "" {
		message = "Document is not clear. Please retake."
	}
	return newFailure(KindValidation, ReasonUnclear, message, nil)
}

// interpretScan accepts a successful response that carries parsed data.
func interpretScan(resp *kycapi.ScanResponse) (json.RawMessage, *Failure) {
	if resp == nil || !resp.Success || resp.Data == nil {
		return nil, scanFailure(resp)
	}
	if resp.Data.Status != "" && !strings.EqualFold(resp.Data.Status, kycapi.ScanStatusSuccess) {
		return nil, scanFailure(resp)
	}
	parsed := bytes.TrimSpace(resp.Data.ParsedData)
	if len(parsed) == 0 || bytes.Equal(parsed, []byte("null")) {
		return nil, scanFailure(resp)
	}
	return json.RawMessage(parsed), nil
}

func scanFailure(resp *kycapi.ScanResponse) *Failure {
	message := "Scan failed. Please retake."
	if resp != nil && resp.Message != "" {
		message = resp.Message
	}
	return newFailure(KindValidation, ReasonScanFailed, message, nil)
}

package kycapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/example/kyc-flow/internal/logging"
	"github.com/example/kyc-flow/internal/reference"
)

const maxResponseBytes = 1 << 20

// Client is the HTTP implementation of every remote collaborator.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient targets baseURL. Timeouts are the http.Client's policy.
func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger.Named("kycapi"),
	}
}

// FetchFlowTemplate loads the step list configured for a user.
func (c *Client) FetchFlowTemplate(ctx context.Context, userID string) (*FlowTemplate, error) {
	endpoint := c.baseURL + "/user-flow-config?" + url.Values{"user_id": {userID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, logging.NewOperationError("kycapi.fetch_flow_template", userID, err)
	}

	var tmpl FlowTemplate
	if err := c.do(req, &tmpl); err != nil {
		c.logger.Error("flow template fetch failed", zap.String("user_id", userID), zap.Error(err))
		return nil, logging.NewOperationError("kycapi.fetch_flow_template", userID, err)
	}
	return &tmpl, nil
}

// ClassifySelfie runs liveness classification on a selfie.
func (c *Client) ClassifySelfie(ctx context.Context, verificationID string, image []byte) (*SelfieResponse, error) {
	var resp SelfieResponse
	fields := map[string]string{"type": "selfie", "verification_id": verificationID}
	if err := c.postImage(ctx, "/process-image", fields, image, &resp); err != nil {
		return nil, logging.NewOperationError("kycapi.classify_selfie", verificationID, err)
	}
	return &resp, nil
}

// ClassifyDocument checks a document side for clarity and forgery.
func (c *Client) ClassifyDocument(ctx context.Context, verificationID string, side DocumentSide, image []byte) (*DocumentResponse, error) {
	var resp DocumentResponse
	fields := map[string]string{"type": string(side), "verification_id": verificationID}
	if err := c.postImage(ctx, "/process-document", fields, image, &resp); err != nil {
		return nil, logging.NewOperationError("kycapi.classify_document", verificationID, err)
	}
	return &resp, nil
}

// Scan parses an MRZ strip or a barcode.
func (c *Client) Scan(ctx context.Context, verificationID string, modality reference.Modality, image []byte) (*ScanResponse, error) {
	path, err := scanPath(modality)
	if err != nil {
		return nil, logging.NewOperationError("kycapi.scan", verificationID, err)
	}
	var resp ScanResponse
	fields := map[string]string{"verification_id": verificationID}
	if err := c.postImage(ctx, path, fields, image, &resp); err != nil {
		return nil, logging.NewOperationError("kycapi.scan", verificationID, err)
	}
	return &resp, nil
}

// ExtractOCR sends an accepted document image for text extraction.
func (c *Client) ExtractOCR(ctx context.Context, requestID string, image []byte) (json.RawMessage, error) {
	var resp json.RawMessage
	if err := c.postImage(ctx, "/process-ocr", map[string]string{"uuid": requestID}, image, &resp); err != nil {
		return nil, logging.NewOperationError("kycapi.extract_ocr", requestID, err)
	}
	return resp, nil
}

// SubmitVerification reports the completed session.
func (c *Client) SubmitVerification(ctx context.Context, submission Submission) (*SubmissionAck, error) {
	body, err := json.Marshal(submission)
	if err != nil {
		return nil, logging.NewOperationError("kycapi.submit_verification", submission.VerificationID, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/submit-verification", bytes.NewReader(body))
	if err != nil {
		return nil, logging.NewOperationError("kycapi.submit_verification", submission.VerificationID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var raw json.RawMessage
	if err := c.do(req, &raw); err != nil {
		return nil, logging.NewOperationError("kycapi.submit_verification", submission.VerificationID, err)
	}
	ack := &SubmissionAck{Raw: raw}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, ack); err != nil {
			c.logger.Debug("submission ack has no status fields",
				zap.String("verification_id", submission.VerificationID),
				zap.Error(err),
			)
		}
	}
	return ack, nil
}

func scanPath(modality reference.Modality) (string, error) {
	switch modality {
	case reference.ModalityMRZ:
		return "/process-mrz", nil
	case reference.ModalityBarcode:
		return "/process-barcode", nil
	default:
		return "", fmt.Errorf("kycapi: no scan endpoint for modality %q", modality)
	}
}

func (c *Client) postImage(ctx context.Context, path string, fields map[string]string, image []byte, out any) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return fmt.Errorf("write field %s: %w", k, err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="capture.jpg"`)
	header.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create image part: %w", err)
	}
	if _, err := part.Write(image); err != nil {
		return fmt.Errorf("write image part: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorMessage pulls a human readable message out of an error body.
func errorMessage(body []byte) string {
	var payload struct {
		Message      string `json:"message"`
		ErrorMessage string `json:"errorMessage"`
		Error        string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, m := range []string{payload.ErrorMessage, payload.Message, payload.Error} {
			if m != "" {
				return m
			}
		}
	}
	return strings.TrimSpace(string(body))
}

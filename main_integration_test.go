package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/kyc-flow/internal/auth"
	"github.com/example/kyc-flow/internal/handlers"
	"github.com/example/kyc-flow/internal/kycapi"
	"github.com/example/kyc-flow/internal/reference"
	"github.com/example/kyc-flow/internal/wizard"
)

const integrationSecret = "integration-secret"

type selfieTemplate struct{}

func (selfieTemplate) FetchFlowTemplate(ctx context.Context, userID string) (*kycapi.FlowTemplate, error) {
	return &kycapi.FlowTemplate{UserID: userID, Flow: []string{"selfie", "thankyou"}}, nil
}

// heldClassifier blocks every verdict until release is closed and signals
// started on the first call.
type heldClassifier struct {
	started chan struct{}
	release chan struct{}
}

func (c *heldClassifier) hold() {
	select {
	case <-c.started:
	default:
		close(c.started)
	}
	<-c.release
}

func (c *heldClassifier) ClassifySelfie(ctx context.Context, verificationID string, image []byte) (*kycapi.SelfieResponse, error) {
	c.hold()
	return &kycapi.SelfieResponse{Live: kycapi.LiveReal}, nil
}

func (c *heldClassifier) ClassifyDocument(ctx context.Context, verificationID string, side kycapi.DocumentSide, image []byte) (*kycapi.DocumentResponse, error) {
	c.hold()
	return &kycapi.DocumentResponse{Message: kycapi.MessageClearImage}, nil
}

func (c *heldClassifier) Scan(ctx context.Context, verificationID string, modality reference.Modality, image []byte) (*kycapi.ScanResponse, error) {
	c.hold()
	return &kycapi.ScanResponse{Success: true, Data: &kycapi.ScanData{Status: kycapi.ScanStatusSuccess}}, nil
}

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()
	gin.SetMode(gin.TestMode)

	classifier := &heldClassifier{started: make(chan struct{}), release: make(chan struct{})}
	defer func() {
		select {
		case <-classifier.release:
		default:
			close(classifier.release)
		}
	}()

	svc := wizard.NewService(wizard.Dependencies{
		Templates:  selfieTemplate{},
		Classifier: classifier,
		Reference:  reference.Default(),
	}, logger)
	t.Cleanup(svc.Shutdown)

	router := gin.New()
	router.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(router, svc, auth.JWTMiddleware(integrationSecret, ""), logger, handlers.MaxUploadSize)

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: router}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	base := "http://" + addr
	token := integrationToken(t, "user-int")
	client := &http.Client{Timeout: 2 * time.Second}

	resp := send(t, client, http.MethodPost, base+"/v1/wizard", token, nil, "")
	expectCode(t, resp, http.StatusOK)

	body, contentType := frameUpload(t)
	resp = send(t, client, http.MethodPost, base+"/v1/wizard/frames", token, body, contentType)
	expectCode(t, resp, http.StatusNoContent)

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		t.Log("sending capture request")
		req, err := http.NewRequest(http.MethodPost, base+"/v1/wizard/capture?wait=true", nil)
		if err != nil {
			errCh <- err
			return
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := client.Do(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-classifier.started:
		t.Log("upload in flight")
	case <-time.After(2 * time.Second):
		t.Fatal("upload did not start in time")
	}

	t.Log("sending signal")
	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(classifier.release)
	t.Log("released verdict")

	select {
	case resp := <-respCh:
		defer resp.Body.Close()
		payload, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(payload))
		}
		var result struct {
			View    wizard.View `json:"view"`
			Outcome struct {
				Step  string `json:"step"`
				State string `json:"state"`
			} `json:"outcome"`
		}
		if err := json.Unmarshal(payload, &result); err != nil {
			t.Fatalf("failed to decode capture response: %v body: %s", err, string(payload))
		}
		if result.Outcome.Step != "selfie" || result.Outcome.State != "accepted" {
			t.Fatalf("unexpected outcome %+v", result.Outcome)
		}
		if result.View.Screen == nil || result.View.Screen.Step != "complete" {
			t.Fatalf("expected wizard to reach complete, got %+v", result.View.Screen)
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func send(t *testing.T, client *http.Client, method, url, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func expectCode(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected status %d, got %d body: %s", want, resp.StatusCode, string(body))
	}
}

func frameUpload(t *testing.T) (io.Reader, string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 12))
	img.Set(2, 2, color.RGBA{R: 255, A: 255})
	var frame bytes.Buffer
	if err := png.Encode(&frame, img); err != nil {
		t.Fatalf("encode frame: %v", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="frame"; filename="frame.png"`)
	header.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(frame.Bytes()); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &body, writer.FormDataContentType()
}

func integrationToken(t *testing.T, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(integrationSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}

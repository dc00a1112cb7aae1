package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/kyc-flow/internal/auth"
	"github.com/example/kyc-flow/internal/camera"
	"github.com/example/kyc-flow/internal/capture"
	"github.com/example/kyc-flow/internal/logging"
	"github.com/example/kyc-flow/internal/session"
	"github.com/example/kyc-flow/internal/wizard"
)

// MaxUploadSize bounds a single camera frame upload.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for the form envelope around the frame.
const multipartOverhead = 1 << 20

var allowedFrameTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
}

type handler struct {
	svc           *wizard.Service
	logger        *zap.Logger
	maxFrameBytes int64
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc *wizard.Service, authMiddleware gin.HandlerFunc, logger *zap.Logger, maxFrameBytes int64) {
	if maxFrameBytes <= 0 {
		maxFrameBytes = MaxUploadSize
	}
	h := &handler{svc: svc, logger: logger.Named("handlers"), maxFrameBytes: maxFrameBytes}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1", authMiddleware)

	v1.POST("/wizard", h.start)
	v1.GET("/wizard", h.view)
	v1.DELETE("/wizard", h.close)
	v1.PUT("/wizard/country", h.selectCountry)
	v1.PUT("/wizard/document-type", h.selectDocumentType)
	v1.POST("/wizard/advance", h.advance)
	v1.POST("/wizard/frames", h.pushFrame)
	v1.POST("/wizard/capture", h.capture)
	v1.POST("/wizard/retry", h.retry)
	v1.POST("/wizard/restart", h.restart)
	v1.GET("/wizard/previews/:handle", h.preview)

	v1.GET("/reference/countries", h.countries)
	v1.GET("/reference/countries/:code/documents", h.documents)

	v1.GET("/verifications/:id", h.verification)
	v1.GET("/metrics/summary", h.summary)
}

func (h *handler) start(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	sess, err := h.svc.Start(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess.View())
}

func (h *handler) view(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.View())
}

func (h *handler) close(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	h.svc.Close(userID)
	c.Status(http.StatusNoContent)
}

type countryRequest struct {
	CountryCode string `json:"country_code" binding:"required"`
}

func (h *handler) selectCountry(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var req countryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "country_code is required"})
		return
	}
	view, err := sess.SelectCountry(c.Request.Context(), req.CountryCode)
	h.respond(c, view, err)
}

type documentTypeRequest struct {
	DocumentType string `json:"document_type" binding:"required"`
}

func (h *handler) selectDocumentType(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	var req documentTypeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "document_type is required"})
		return
	}
	view, err := sess.SelectDocumentType(c.Request.Context(), req.DocumentType)
	h.respond(c, view, err)
}

func (h *handler) advance(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	view, err := sess.Advance(c.Request.Context())
	h.respond(c, view, err)
}

func (h *handler) retry(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	view, err := sess.Retry(c.Request.Context())
	h.respond(c, view, err)
}

func (h *handler) restart(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	view, err := sess.Restart(c.Request.Context())
	h.respond(c, view, err)
}

func (h *handler) pushFrame(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxFrameBytes+multipartOverhead)
	file, err := c.FormFile("frame")
	if err != nil {
		if isTooLarge(err) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "frame file is required"})
		return
	}
	if file.Size > h.maxFrameBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame too large"})
		return
	}
	if _, ok := allowedFrameTypes[mediaType(file.Header.Get("Content-Type"))]; !ok {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "frame must be image/jpeg or image/png"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open frame"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read frame"})
		return
	}
	if _, ok := allowedFrameTypes[http.DetectContentType(data)]; !ok {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "frame content is not an image"})
		return
	}

	if err := sess.PushFrame(data); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) capture(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	done, err := sess.Capture()
	if err != nil {
		h.writeError(c, err)
		return
	}
	if c.Query("wait") != "true" {
		c.JSON(http.StatusAccepted, sess.View())
		return
	}

	select {
	case out, ok := <-done:
		body := gin.H{"view": sess.View()}
		if ok && out != nil {
			body["outcome"] = gin.H{
				"step":            out.Step.ID(),
				"verification_id": out.VerificationID,
				"state":           out.State,
				"failure":         out.Failure,
				"duration_ms":     out.Duration.Milliseconds(),
			}
		}
		c.JSON(http.StatusOK, body)
	case <-c.Request.Context().Done():
		c.JSON(http.StatusAccepted, sess.View())
	}
}

func (h *handler) preview(c *gin.Context) {
	sess, ok := h.session(c)
	if !ok {
		return
	}
	handle := session.PreviewHandle(c.Param("handle"))
	owned := false
	for _, candidate := range sess.View().Previews {
		if candidate == handle {
			owned = true
			break
		}
	}
	if !owned {
		c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
		return
	}
	data, found := h.svc.Previews().Get(handle)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

func (h *handler) countries(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"countries": h.svc.Reference().Countries()})
}

func (h *handler) documents(c *gin.Context) {
	code := strings.TrimSpace(c.Param("code"))
	c.JSON(http.StatusOK, gin.H{
		"country_code": strings.ToUpper(code),
		"documents":    h.svc.Reference().DocumentTypes(code),
	})
}

func (h *handler) verification(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	verificationID := c.Param("id")
	if verificationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	snapshot, err := h.svc.Lookup(c.Request.Context(), userID, verificationID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *handler) summary(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *handler) session(c *gin.Context) (*wizard.Session, bool) {
	userID, ok := requireUser(c)
	if !ok {
		return nil, false
	}
	sess, err := h.svc.Get(userID)
	if err != nil {
		h.writeError(c, err)
		return nil, false
	}
	return sess, true
}

func (h *handler) respond(c *gin.Context, view wizard.View, err error) {
	if err != nil {
		status, message := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": message, "view": view})
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) writeError(c *gin.Context, err error) {
	status, message := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": message})
}

func statusFor(err error) (int, string) {
	var opErr *logging.OperationError
	switch {
	case errors.Is(err, wizard.ErrNoSession):
		return http.StatusNotFound, "wizard not started"
	case errors.Is(err, wizard.ErrVerificationAbsent):
		return http.StatusNotFound, "verification not found"
	case errors.Is(err, wizard.ErrNoAttemptLog):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, wizard.ErrSelectionRequired),
		errors.Is(err, wizard.ErrCaptureRequired),
		errors.Is(err, wizard.ErrNotCaptureStep),
		errors.Is(err, wizard.ErrUnsupportedStep),
		errors.Is(err, wizard.ErrNoFlow),
		errors.Is(err, capture.ErrBusy),
		errors.Is(err, capture.ErrAccepted),
		errors.Is(err, capture.ErrRetryRequired),
		errors.Is(err, capture.ErrNotRetryable),
		errors.Is(err, camera.ErrNoStream):
		return http.StatusConflict, err.Error()
	case errors.Is(err, camera.ErrEmptyFrame):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &opErr):
		return http.StatusBadGateway, "upstream service unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func requireUser(c *gin.Context) (string, bool) {
	userID, ok := auth.GetUserID(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", false
	}
	return userID, true
}

func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

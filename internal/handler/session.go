package handler

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/sessionlens/api/internal/apperr"
	"github.com/sessionlens/api/internal/model"
	"github.com/sessionlens/api/internal/service"
	"github.com/sessionlens/api/internal/store"
	"github.com/sessionlens/api/pkg/response"
)

// MaxUploadSize bounds a session recording upload.
const MaxUploadSize = 512 * 1024 * 1024

type SessionHandler struct {
	service   *service.SessionService
	validator *validator.Validate
	log       *logrus.Entry
}

func NewSessionHandler(svc *service.SessionService, v *validator.Validate, log *logrus.Entry) *SessionHandler {
	return &SessionHandler{
		service:   svc,
		validator: v,
		log:       log.WithField("component", "session_handler"),
	}
}

// Create handles POST /api/sessions
func (h *SessionHandler) Create(c *fiber.Ctx) error {
	req := model.CreateSessionRequest{
		SubjectID: c.FormValue("subjectId"),
		Title:     c.FormValue("title"),
	}
	if raw := c.FormValue("recordedAt"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return response.ValidationError(c, "recordedAt must be an RFC 3339 timestamp", nil)
		}
		req.RecordedAt = &t
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	file, err := c.FormFile("audio")
	if err != nil {
		return response.ValidationError(c, "audio file is required", nil)
	}
	if file.Size > MaxUploadSize {
		return response.ValidationError(c, "audio file is too large", map[string]interface{}{
			"maxSize":  MaxUploadSize,
			"fileSize": file.Size,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to read uploaded file")
	}
	defer f.Close()

	result, err := h.service.CreateSession(c.UserContext(), &req, f)
	if err != nil {
		return h.writeError(c, err)
	}
	return response.Accepted(c, result)
}

// Status handles GET /api/sessions/:id/status
func (h *SessionHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.GetStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, result)
}

// Result handles GET /api/sessions/:id
func (h *SessionHandler) Result(c *fiber.Ctx) error {
	result, err := h.service.GetResult(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, result)
}

// Analyze handles POST /api/sessions/:id/analyze
func (h *SessionHandler) Analyze(c *fiber.Ctx) error {
	var req model.AnalyzeRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
	}

	result, err := h.service.Analyze(c.UserContext(), c.Params("id"), req.Force)
	if err != nil {
		return h.writeError(c, err)
	}
	if !result.Queued {
		return response.OK(c, result)
	}
	return response.Accepted(c, result)
}

// Reset handles POST /api/sessions/:id/reset
func (h *SessionHandler) Reset(c *fiber.Ctx) error {
	result, err := h.service.Reset(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return response.Accepted(c, result)
}

// Logs handles GET /api/sessions/:id/logs
func (h *SessionHandler) Logs(c *fiber.Ctx) error {
	entries, err := h.service.Logs(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	if entries == nil {
		entries = []model.ProcessingLogEntry{}
	}
	return response.OK(c, fiber.Map{"sessionId": c.Params("id"), "entries": entries})
}

// Audio handles GET /api/sessions/:id/audio
func (h *SessionHandler) Audio(c *fiber.Ctx) error {
	url, err := h.service.AudioURL(c.UserContext(), c.Params("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, fiber.Map{"url": url})
}

func (h *SessionHandler) writeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return response.NotFound(c, "Session not found")
	case errors.Is(err, service.ErrNotReady),
		errors.Is(err, service.ErrAnalysisFinished),
		errors.Is(err, store.ErrAlreadyRunning),
		errors.Is(err, store.ErrStaleEpoch),
		errors.Is(err, store.ErrInvalidTransition):
		return response.Conflict(c, err.Error(), nil)
	case apperr.Is(err, apperr.KindValidation):
		return response.ValidationError(c, err.Error(), nil)
	}
	h.log.WithError(err).WithField("path", c.Path()).Error("Request failed")
	return response.ServiceError(c, "Internal error")
}

func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}

package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/sessionlens/api/pkg/response"
)

// Register mounts the session routes on api. uploadLimit guards ingest,
// analyzeLimit guards analysis and reset requests.
func (h *SessionHandler) Register(api fiber.Router, uploadLimit, analyzeLimit fiber.Handler) {
	sessions := api.Group("/sessions")
	sessions.Post("/", uploadLimit, h.Create)
	sessions.Get("/:id", h.Result)
	sessions.Get("/:id/status", h.Status)
	sessions.Get("/:id/logs", h.Logs)
	sessions.Get("/:id/audio", h.Audio)
	sessions.Post("/:id/analyze", analyzeLimit, h.Analyze)
	sessions.Post("/:id/reset", analyzeLimit, h.Reset)
}

// ErrorHandler renders errors that escape the handlers in the JSON envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	errCode := response.CodeServiceError
	switch code {
	case fiber.StatusNotFound:
		errCode = response.CodeNotFound
	case fiber.StatusRequestEntityTooLarge, fiber.StatusBadRequest:
		errCode = response.CodeValidationError
	}
	return response.Error(c, code, errCode, message, nil)
}

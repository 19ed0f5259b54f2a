package api

import (
	"errors"

	"github.com/andi/xmlconv/backend/apperr"
	"github.com/andi/xmlconv/backend/models"
	"github.com/gofiber/fiber/v2"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Kind  string                `json:"kind"`
	Error string                `json:"error"`
	Job   *models.ConversionJob `json:"job,omitempty"`
}

var kindStatus = map[apperr.Kind]int{
	apperr.KindInvalidFileType:    fiber.StatusBadRequest,
	apperr.KindEmptyUpload:        fiber.StatusBadRequest,
	apperr.KindInvalidRequest:     fiber.StatusBadRequest,
	apperr.KindPathEscape:         fiber.StatusForbidden,
	apperr.KindNotFound:           fiber.StatusNotFound,
	apperr.KindConflict:           fiber.StatusConflict,
	apperr.KindNoArtifacts:        fiber.StatusUnprocessableEntity,
	apperr.KindConversionFailed:   fiber.StatusUnprocessableEntity,
	apperr.KindTimeout:            fiber.StatusGatewayTimeout,
	apperr.KindStorageUnavailable: fiber.StatusServiceUnavailable,
	apperr.KindSpawn:              fiber.StatusInternalServerError,
	apperr.KindInternal:           fiber.StatusInternalServerError,
}

// StatusFor maps an error kind to its HTTP status
func StatusFor(kind apperr.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return fiber.StatusInternalServerError
}

// jobFailure attaches the failed job to a conversion error so clients can
// see the exit code and stderr
type jobFailure struct {
	err error
	job *models.ConversionJob
}

func (f *jobFailure) Error() string { return f.err.Error() }
func (f *jobFailure) Unwrap() error { return f.err }

func withJob(err error, job *models.ConversionJob) error {
	if job == nil {
		return err
	}
	return &jobFailure{err: err, job: job}
}

// errorHandler renders fiber and application errors
func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(ErrorResponse{Kind: kindForStatus(fe.Code), Error: fe.Message})
	}

	kind := apperr.KindOf(err)
	status := StatusFor(kind)
	resp := ErrorResponse{Kind: string(kind), Error: apperr.Message(err)}

	var jf *jobFailure
	if errors.As(err, &jf) {
		resp.Job = jf.job
	}

	event := s.log.Debug()
	if status >= fiber.StatusInternalServerError {
		event = s.log.Error()
	}
	event.Err(err).
		Str("method", c.Method()).
		Str("path", c.Path()).
		Int("status", status).
		Msg("request failed")

	return c.Status(status).JSON(resp)
}

func kindForStatus(code int) string {
	switch {
	case code == fiber.StatusNotFound:
		return string(apperr.KindNotFound)
	case code == fiber.StatusRequestEntityTooLarge, code < fiber.StatusInternalServerError:
		return string(apperr.KindInvalidRequest)
	}
	return string(apperr.KindInternal)
}

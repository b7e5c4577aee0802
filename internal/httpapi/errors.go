package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"smartclassroom/internal/attendance"
	"smartclassroom/internal/engagement"
	"smartclassroom/internal/faceclient"
	"smartclassroom/internal/matcher"
	"smartclassroom/internal/model"
	"smartclassroom/internal/qrtoken"
)

var errBadRequest = errors.New("invalid request")

// statusOf maps an error to an HTTP status and whether a retry may succeed.
func statusOf(err error) (int, bool) {
	switch {
	case errors.Is(err, model.ErrUnavailable):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, true
		}
		return http.StatusServiceUnavailable, true
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, true
	case errors.Is(err, attendance.ErrClassNotFound),
		errors.Is(err, attendance.ErrStudentNotFound),
		errors.Is(err, attendance.ErrRecordNotFound),
		errors.Is(err, qrtoken.ErrClassNotFound),
		errors.Is(err, qrtoken.ErrTokenNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, attendance.ErrStudentExists),
		errors.Is(err, attendance.ErrClassExists),
		errors.Is(err, attendance.ErrClassNotStarted):
		return http.StatusConflict, false
	case errors.Is(err, attendance.ErrNoFace),
		errors.Is(err, engagement.ErrNoFace):
		return http.StatusUnprocessableEntity, false
	case errors.Is(err, errBadRequest),
		errors.Is(err, attendance.ErrEmptyBatch),
		errors.Is(err, attendance.ErrBatchTooLarge),
		errors.Is(err, attendance.ErrInvalidCodeFormat),
		errors.Is(err, attendance.ErrInvalidImage),
		errors.Is(err, faceclient.ErrInvalidImage),
		errors.Is(err, attendance.ErrNoChanges),
		errors.Is(err, attendance.ErrInvalidStatus),
		errors.Is(err, attendance.ErrInvalidSchedule),
		errors.Is(err, attendance.ErrMissingStudent),
		errors.Is(err, qrtoken.ErrInvalidPeriod),
		errors.Is(err, engagement.ErrUnknownEmotion),
		errors.Is(err, engagement.ErrInvalidEvent),
		errors.Is(err, matcher.ErrDimensionMismatch):
		return http.StatusBadRequest, false
	}
	return http.StatusInternalServerError, false
}

// fail writes err as a JSON error body. Server-side failures are logged and
// their details withheld from the client.
func (h *handlers) fail(c *gin.Context, err error) {
	status, retryable := statusOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
		h.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
		msg = http.StatusText(status)
	}
	body := gin.H{"error": msg}
	if retryable {
		body["retryable"] = true
	}
	c.AbortWithStatusJSON(status, body)
}

package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"opd-emr/internal/laborder"
	"opd-emr/internal/shared"
)

// RetryAfterSeconds is sent with 503 responses caused by store contention.
const RetryAfterSeconds = 2

type errorResponse struct {
	Error      string `json:"error"`
	Operation  string `json:"operation"`
	Field      string `json:"field,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind shared.Kind) int {
	switch kind {
	case shared.KindValidation:
		return http.StatusBadRequest
	case shared.KindNotFound:
		return http.StatusNotFound
	case shared.KindConflict:
		return http.StatusConflict
	case shared.KindBusy, shared.KindDependencyFailure, shared.KindCanceled, shared.KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	kind := shared.KindOf(err)
	status := statusFor(kind)
	resp := errorResponse{Operation: op}

	switch kind {
	case shared.KindValidation:
		resp.Error = err.Error()
		var vErr *laborder.ValidationError
		if errors.As(err, &vErr) {
			resp.Error = vErr.Field + " " + vErr.Reason
			resp.Field = vErr.Field
		}
	case shared.KindNotFound:
		resp.Error = "not found"
	case shared.KindConflict:
		resp.Error = "conflicts with existing data"
	case shared.KindBusy:
		resp.Error = "database is temporarily busy, please try again in a moment"
		resp.RetryAfter = RetryAfterSeconds
		c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds))
	case shared.KindCanceled, shared.KindTimeout:
		resp.Error = "request cancelled before the database answered"
	case shared.KindDependencyFailure:
		resp.Error = "database unavailable"
	default:
		resp.Error = "failed to " + op
	}

	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "op", op, "kind", kind.String(), "err", err)
	} else {
		h.log.Debug("request rejected", "op", op, "kind", kind.String(), "err", err)
	}
	c.AbortWithStatusJSON(status, resp)
}

func (h *Handler) badRequest(c *gin.Context, op, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: msg, Operation: op})
}

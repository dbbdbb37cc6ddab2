package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/timelapser/camstream/internal/apperr"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// errorBody is the wire shape for every failure response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidURL:
		return http.StatusBadRequest
	case apperr.KindAuthRequired:
		return http.StatusUnauthorized
	case apperr.KindSessionNotFound, apperr.KindSegmentNotFound:
		return http.StatusNotFound
	case apperr.KindTimeout:
		return http.StatusRequestTimeout
	case apperr.KindUnsupportedCodec:
		return http.StatusUnsupportedMediaType
	case apperr.KindConnectionLimit, apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err in the error envelope. Errors that never
// passed through apperr get a generic message so internals (and, in
// the worst case, credentials buried in exec errors) never reach the
// client.
func writeError(c *gin.Context, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		writeJSON(c, http.StatusInternalServerError, errorBody{Error: errorDetail{
			Type:    string(apperr.KindInternal),
			Message: "internal error",
		}})
		return
	}
	writeJSON(c, statusFor(ae.Kind), errorBody{Error: errorDetail{
		Type:    string(ae.Kind),
		Message: ae.Message,
		Details: ae.Details,
	}})
}

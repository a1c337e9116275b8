package web

// Error responses always carry the importer's support code. Technical
// detail is logged with the request id; clients see Message and Action.

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/JonMunkholm/certledger/internal/importer"
	"github.com/JonMunkholm/certledger/internal/logging"
	"github.com/JonMunkholm/certledger/internal/resolver"
	"github.com/JonMunkholm/certledger/internal/store"
	"github.com/JonMunkholm/certledger/internal/web/templates"
)

// ErrorResponse is the JSON body of an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// respondError logs err and writes the mapped user message in the format
// the client asked for.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, status int) {
	msg := importer.MapError(err)

	logger := logging.FromContext(r.Context())
	level := logger.Warn
	if status >= http.StatusInternalServerError {
		level = logger.Error
	}
	level("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	)

	if isHTMX(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		templates.ErrorAlert(msg.Message, msg.Action, msg.Code).Render(r.Context(), w)
		return
	}
	detail := err.Error()
	if status >= http.StatusInternalServerError {
		detail = msg.Message
	}
	writeJSON(w, status, ErrorResponse{
		Error:   detail,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// statusFor picks the HTTP status for an engine error.
func statusFor(err error) int {
	var nf *resolver.NotFoundError
	switch {
	case errors.As(err, &nf), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, importer.ErrTooManyImports):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, importer.ErrMalformedBatch),
		errors.Is(err, importer.ErrEmptyFile),
		errors.Is(err, importer.ErrHeaderNotFound),
		strings.Contains(err.Error(), "invalid csv"):
		return http.StatusBadRequest
	case strings.Contains(err.Error(), "file too large"):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

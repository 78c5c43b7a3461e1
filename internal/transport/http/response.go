package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"assistant-jobqueue/internal/repository"
	"assistant-jobqueue/internal/service"
)

type apiError struct {
	Message string `json:"message"`
}

// internalErrBody is sent when the real response could not be encoded.
const internalErrBody = `{"message":"internal error"}`

// writeJSON encodes v before touching w so an encoding failure can still be
// answered with a 500.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("encode response",
			zap.String("req_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		code, body = http.StatusInternalServerError, []byte(internalErrBody)
	}
	h.write(w, r, code, append(body, '\n'))
}

// writeRawJSON sends stored JSON as is, without a trailing newline.
func (h *Handler) writeRawJSON(w http.ResponseWriter, r *http.Request, code int, raw json.RawMessage) {
	if !json.Valid(raw) {
		h.logger.Error("stored json is malformed",
			zap.String("req_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Int("bytes", len(raw)),
		)
		code, raw = http.StatusInternalServerError, json.RawMessage(internalErrBody)
	}
	h.write(w, r, code, raw)
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		h.logger.Debug("write response",
			zap.String("req_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, code int, msg string) {
	h.writeJSON(w, r, code, apiError{Message: msg})
}

func (h *Handler) writeServiceErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument):
		h.writeErr(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		h.writeErr(w, r, http.StatusNotFound, "job not found")
	default:
		h.logger.Error("request failed",
			zap.String("req_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		h.writeErr(w, r, http.StatusInternalServerError, "internal error")
	}
}

package server

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/guidebazaar/studlyff-sub000/db"
	"github.com/guidebazaar/studlyff-sub000/logging"
	"github.com/guidebazaar/studlyff-sub000/service"
)

type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type successBody struct {
	Success bool   `json:"success"`
	Deleted *int64 `json:"deleted,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("encode response")
		status = http.StatusInternalServerError
		data = []byte(`{"error":{"code":"INTERNAL","message":"internal error"}}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Ctx(r.Context()).Debug().Err(err).Msg("write response")
	}
}

func sendOK(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, successBody{Success: true})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, r, status, errorBody{Error: apiError{Code: code, Message: message}})
}

// sendError maps an operation error to its status. This is the only place
// service kinds become HTTP codes.
func sendError(w http.ResponseWriter, r *http.Request, err error) {
	var bad *errBadRequest
	if errors.As(err, &bad) {
		writeError(w, r, http.StatusBadRequest, string(service.KindInvalidArgument), bad.msg)
		return
	}

	var svcErr *service.Error
	if !errors.As(err, &svcErr) {
		logging.Ctx(r.Context()).Error().Err(err).Msg("unclassified error")
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch svcErr.Kind {
	case service.KindInvalidArgument:
		status = http.StatusBadRequest
	case service.KindConflict:
		status = http.StatusConflict
	case service.KindNotFound:
		status = http.StatusNotFound
	case service.KindStoreUnavailable:
		if errors.Is(err, db.ErrUnavailable) {
			status = http.StatusServiceUnavailable
			w.Header().Set("Retry-After", "30")
		}
	}
	writeError(w, r, status, string(svcErr.Kind), svcErr.Message)
}

func handleRateLimited(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
}

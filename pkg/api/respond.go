package api

import (
	"errors"
	"net/http"

	"github.com/joeydtaylor/steeze-hotload/pkg/codec"
	"github.com/joeydtaylor/steeze-hotload/pkg/core"
)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidPath):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrMountConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrExecution), errors.Is(err, core.ErrNoHandlerSet):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrExternalSync):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any, status int) {
	b, err := codec.JSONStrict.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", codec.JSONStrict.ContentType())
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, map[string]string{"detail": detail}, status)
}

func writeResult(w http.ResponseWriter, status int, rel, msg string, res core.LoadResult, extra []string) {
	warnings := append(append([]string(nil), res.Warnings...), extra...)
	writeJSON(w, fileResponse{
		Filename: rel,
		Message:  msg,
		Result:   &res,
		Warnings: warnings,
	}, status)
}

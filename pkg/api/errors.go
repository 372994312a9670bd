package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/yanquisalexander/modpackstore/pkg/apperr"
)

// apiError is one element of the error envelope.
type apiError struct {
	Status string `json:"status"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Field  string `json:"field,omitempty"`
}

type errorEnvelope struct {
	Errors []apiError `json:"errors"`
}

// writeError renders err in the service error shape. Internal details
// never leak; everything else surfaces its detail message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	out := apiError{
		Status: strconv.Itoa(kind.HTTPStatus()),
		Code:   kind.Code(),
		Title:  kind.Title(),
		Detail: "an internal error occurred",
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind != apperr.KindInternal {
		out.Detail = ae.Detail
		out.Field = ae.Field
	}
	if kind == apperr.KindInternal {
		slog.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorEnvelope{Errors: []apiError{out}})
}

// writeJSON renders a success payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// decodeJSON parses a request body into dst with unknown-field
// rejection. An empty body leaves dst zero-valued; required fields are
// the handler's problem.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("malformed request body: %v", err)
	}
	return nil
}

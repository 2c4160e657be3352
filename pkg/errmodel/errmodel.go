// Package errmodel defines the JSON error envelope returned by the HTTP API.
package errmodel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/estore/pkg/store"
)

// Category values for compact errors.
const (
	CategoryValidation = "validation"
	CategoryConflict   = "conflict"
	CategoryNotFound   = "not_found"
	CategoryPolicy     = "policy"
	CategorySystem     = "system"
)

// Codes returned to clients.
const (
	CodeVersionConflict     = "VERSION_CONFLICT"
	CodeStreamAlreadyExists = "STREAM_ALREADY_EXISTS"
	CodeStreamNotFound      = "STREAM_NOT_FOUND"
	CodeEventNotFound       = "EVENT_NOT_FOUND"
	CodeSnapshotNotFound    = "SNAPSHOT_NOT_FOUND"
	CodeValidation          = "VALIDATION_ERROR"
	CodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	CodeForbidden           = "FORBIDDEN"
	CodeInternal            = "INTERNAL_ERROR"
)

// Error is the compact error payload returned by APIs and used internally.
// It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
// Store errors are mapped to their client codes; storage failures hide the
// driver message.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	var (
		vc *store.VersionConflictError
		nf *store.NotFoundError
		ve *store.ValidationError
	)
	switch {
	case errors.As(err, &vc):
		ctx := map[string]any{
			"stream_id":        string(vc.StreamID),
			"expected_version": int64(vc.Expected),
			"actual_version":   int64(vc.Actual),
		}
		if errors.Is(err, store.ErrStreamAlreadyExists) {
			return &Error{Category: CategoryConflict, Code: CodeStreamAlreadyExists, Message: vc.Error(), Context: ctx}
		}
		return &Error{Category: CategoryConflict, Code: CodeVersionConflict, Message: vc.Error(), Context: ctx}
	case errors.As(err, &nf):
		ctx := map[string]any{"stream_id": string(nf.StreamID)}
		if nf.Version > 0 {
			ctx["version"] = int64(nf.Version)
			return &Error{Category: CategoryNotFound, Code: CodeEventNotFound, Message: nf.Error(), Context: ctx}
		}
		return &Error{Category: CategoryNotFound, Code: CodeStreamNotFound, Message: nf.Error(), Context: ctx}
	case errors.As(err, &ve):
		return &Error{Category: CategoryValidation, Code: CodeValidation, Message: truncate(ve.Error(), 512),
			Context: map[string]any{"field": ve.Field}}
	case errors.Is(err, store.ErrStorage):
		return &Error{Category: CategorySystem, Code: CodeInternal, Message: "storage failure"}
	}
	// Default to system/internal for unknown error types.
	return &Error{Category: CategorySystem, Code: CodeInternal, Message: truncate(err.Error(), 512)}
}

// Convenience constructors.
func Validation(message string, ctx map[string]any) *Error {
	return New(CategoryValidation, CodeValidation, message, ctx)
}

func NotFound(code, message string, ctx map[string]any) *Error {
	return New(CategoryNotFound, code, message, ctx)
}

func Policy(code, message string, ctx map[string]any) *Error {
	return New(CategoryPolicy, code, message, ctx)
}

func System(message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategorySystem, CodeInternal, message, ctx, cause)
	}
	return New(CategorySystem, CodeInternal, message, ctx)
}

// HTTPStatus maps category/code to HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryConflict:
		return http.StatusConflict
	case CategoryNotFound:
		return http.StatusNotFound
	case CategoryPolicy:
		switch e.Code {
		case CodeMethodNotAllowed:
			return http.StatusMethodNotAllowed
		default:
			return http.StatusForbidden
		}
	case CategorySystem:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer.
// It attempts to include the trace_id if present in ctx.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: CodeInternal, Message: "unknown error"}
	}
	status := HTTPStatus(ce)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	traceID := ""
	if r != nil {
		if span := trace.SpanFromContext(r.Context()); span != nil {
			sc := span.SpanContext()
			if sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
	}
	// Envelope { error: Error, trace_id?: string }
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"trace_id": traceID,
	})
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		default:
			// Try to stringify primitive slices to keep payload compact.
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				// Avoid giant blobs; keep a preview
				s := string(b)
				if len(s) > 256 {
					s = truncate(s, 256)
				}
				out[k] = s
			} else {
				out[k] = t
			}
		}
	}
	return out
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

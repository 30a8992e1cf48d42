// Package openapi validates incoming requests against an OpenAPI 3 document before they reach handlers.
package openapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	"github.com/animus-labs/runengine/internal/platform/httpserver"
)

type Validator struct {
	doc    *openapi3.T
	router routers.Router
	logger *slog.Logger
}

// Load parses and validates spec, then builds a router over its paths.
func Load(ctx context.Context, spec []byte, logger *slog.Logger) (*Validator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(spec)
	if err != nil {
		return nil, fmt.Errorf("load openapi: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate openapi: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi router: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{doc: doc, router: router, logger: logger}, nil
}

func (v *Validator) Title() string {
	if v.doc.Info == nil {
		return ""
	}
	return v.doc.Info.Title
}

// Wrap rejects requests that violate the document with 400 validation_error.
// Paths the document does not describe pass through untouched.
func (v *Validator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := v.router.FindRoute(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			requestID, _ := httpserver.RequestIDFromContext(r.Context())
			v.logger.Info("request rejected by contract",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"error", err.Error(),
			)
			httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{
				"error":      "validation_error",
				"message":    describe(err),
				"request_id": requestID,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func describe(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.Reason
		if reqErr.Parameter != nil {
			msg = fmt.Sprintf("parameter %q: %s", reqErr.Parameter.Name, firstNonEmpty(msg, errString(reqErr.Err)))
		} else if reqErr.RequestBody != nil {
			msg = "request body: " + firstNonEmpty(msg, errString(reqErr.Err))
		}
		if msg != "" {
			return msg
		}
	}
	return strings.TrimSpace(strings.SplitN(err.Error(), "\n", 2)[0])
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(strings.SplitN(err.Error(), "\n", 2)[0])
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

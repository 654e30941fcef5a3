package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	"github.com/animus-labs/animus-orchestrator/internal/platform/httpserver"
)

//go:embed openapi.yaml
var openAPIDocument []byte

type requestValidator struct {
	logger *slog.Logger
	router routers.Router
}

func newRequestValidator(ctx context.Context, logger *slog.Logger) (*requestValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openAPIDocument)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi document: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi router: %w", err)
	}
	return &requestValidator{logger: logger, router: router}, nil
}

// wrap checks parameters and JSON bodies against the document before the
// request reaches the mux. Paths the document does not describe pass through.
func (v *requestValidator) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, pathParams, err := v.router.FindRoute(r)
		if err != nil {
			if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
				next.ServeHTTP(w, r)
				return
			}
			httpserver.WriteErrorDetail(w, r, http.StatusBadRequest, "request_validation_failed", err.Error())
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams,
			Route:      route,
			Options: &openapi3filter.Options{
				ExcludeRequestBody: !isJSONBody(r),
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			v.logger.Debug("request rejected by schema", "path", r.URL.Path, "error", err)
			httpserver.WriteErrorDetail(w, r, http.StatusBadRequest, "request_validation_failed", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isJSONBody reports whether the request carries a JSON document. YAML
// documents are checked after decoding by the handler.
func isJSONBody(r *http.Request) bool {
	if r.ContentLength == 0 && r.Body == http.NoBody {
		return false
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	return err == nil && mediaType == "application/json"
}

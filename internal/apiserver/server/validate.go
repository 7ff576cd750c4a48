package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	"angel-master/api"
	"angel-master/internal/shared/scherr"
)

// Validator 按嵌入的 OpenAPI 文档校验请求体
type Validator struct {
	router routers.Router
}

// NewValidator 加载并校验 api/openapi/master.yaml
func NewValidator(ctx context.Context) (*Validator, error) {
	data, err := api.OpenAPIFS.ReadFile(api.MasterSpec)
	if err != nil {
		return nil, fmt.Errorf("read openapi spec: %w", err)
	}
	return NewValidatorFromData(ctx, data)
}

// NewValidatorFromData 从 YAML/JSON 文档构造 Validator
func NewValidatorFromData(ctx context.Context, data []byte) (*Validator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("load openapi spec: %w", err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid openapi spec: %w", err)
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build openapi router: %w", err)
	}
	return &Validator{router: router}, nil
}

// Middleware 校验 POST 请求体，文档中没有的路由直接放行
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		route, params, err := v.router.FindRoute(r)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, r, scherr.Wrap(scherr.CodeInvalidRequest, err, "read request body"))
			return
		}
		if r.Header.Get("Content-Type") == "" {
			r.Header.Set("Content-Type", "application/json")
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: params,
			Route:      route,
			Options: &openapi3filter.Options{
				AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
			},
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			writeError(w, r, scherr.New(scherr.CodeInvalidRequest, "%s", validationMessage(err)))
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// validationMessage 取出字段路径与原因，省略 schema 转储
func validationMessage(err error) string {
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		if path := se.JSONPointer(); len(path) > 0 {
			return strings.Join(path, ".") + ": " + se.Reason
		}
		return se.Reason
	}
	var re *openapi3filter.RequestError
	if errors.As(err, &re) {
		if re.Reason != "" {
			return re.Reason
		}
		if re.Err != nil {
			return re.Err.Error()
		}
	}
	return err.Error()
}

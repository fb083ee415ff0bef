package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"
	"go.uber.org/zap"

	"github.com/dgnsrekt/fieldsync/api"
)

// Streams holds the optional streaming endpoints. Nil handlers are not mounted.
type Streams struct {
	WebSocket http.HandlerFunc
	Events    http.HandlerFunc
	Negotiate http.HandlerFunc

	// RequireToken guards WebSocket and Events. Nil means open access.
	RequireToken func(http.Handler) http.Handler
}

// LoadOpenAPI parses and validates the embedded OpenAPI document.
func LoadOpenAPI(ctx context.Context) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	swagger, err := loader.LoadFromData(api.OpenAPISpec)
	if err != nil {
		return nil, fmt.Errorf("loading openapi document: %w", err)
	}
	if err := swagger.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validating openapi document: %w", err)
	}
	swagger.Servers = nil // Allow any host
	return swagger, nil
}

func NewRouter(server *Server, streams Streams, logger *zap.Logger) (http.Handler, error) {
	// Load OpenAPI spec for validation
	swagger, err := LoadOpenAPI(context.Background())
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger))

	// Non-validated routes
	r.Get("/openapi.yaml", openapiHandler)
	r.Get("/docs", swaggerUIHandler)

	if streams.Negotiate != nil {
		r.Get("/negotiate", streams.Negotiate)
	}

	r.Group(func(streamRouter chi.Router) {
		if streams.RequireToken != nil {
			streamRouter.Use(streams.RequireToken)
		}
		if streams.WebSocket != nil {
			streamRouter.Get("/ws", streams.WebSocket)
		}
		if streams.Events != nil {
			streamRouter.Get("/events", streams.Events)
		}
	})

	// API routes with OpenAPI validation
	r.Group(func(apiRouter chi.Router) {
		apiRouter.Use(middleware.Compress(5))
		apiRouter.Use(oapimiddleware.OapiRequestValidator(swagger))

		apiRouter.Get("/health", server.GetHealth)
		apiRouter.Get("/api/snapshot", server.GetSnapshot)
		apiRouter.Get("/api/rows", server.GetRows)
		apiRouter.Post("/api/records", server.SubmitRecord)
		apiRouter.Post("/api/refresh", server.Refresh)
	})

	return r, nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", maskQueryToken(r.URL.RawQuery)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// maskQueryToken masks the access_token parameter in a query string.
func maskQueryToken(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "<unparseable>"
	}
	if token := values.Get("access_token"); token != "" {
		masked := "****"
		if len(token) > 8 {
			masked = token[:8] + "****"
		}
		values.Set("access_token", masked)
	}
	return strings.ReplaceAll(values.Encode(), "%2A", "*")
}

func openapiHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(api.OpenAPISpec)
}

func swaggerUIHandler(w http.ResponseWriter, r *http.Request) {
	html := `<!DOCTYPE html>
<html>
<head>
    <title>Fieldsync API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.10.3/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: "/openapi.yaml",
                dom_id: '#swagger-ui',
            });
        };
    </script>
</body>
</html>`
	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(html))
}

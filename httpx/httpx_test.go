package httpx

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

func TestServerAndClientRoundTrip(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.GET("/ping", func(c Context) error {
			return c.JSON(StatusOK, map[string]string{"message": "pong"})
		})
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))

	var body struct {
		Message string `json:"message"`
	}
	resp, err := client.Get(context.Background(), "/ping", &body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode() != StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode())
	}
	if body.Message != "pong" {
		t.Fatalf("unexpected body: %#v", body)
	}
}

func TestErrorHandlerWrapsEchoHTTPError(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.GET("/fail", func(c Context) error {
			return HTTPError(StatusBadRequest, "bad request")
		})
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))

	resp, err := client.Get(context.Background(), "/fail", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if resp == nil {
		t.Fatalf("expected response for error path")
	}
	if resp.StatusCode() != StatusBadRequest {
		t.Fatalf("unexpected status: %d", resp.StatusCode())
	}
}

func TestAdminKeyMiddleware(t *testing.T) {
	hash, err := HashAdminKey("s3cret", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashAdminKey error: %v", err)
	}

	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.Group("/admin", AdminKeyMiddleware(hash)).POST("/flush", func(c Context) error { return c.NoContent(StatusNoContent) })
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{"missing key", nil, StatusUnauthorized},
		{"wrong key", map[string]string{HeaderAdminKey: "nope"}, StatusUnauthorized},
		{"header key", map[string]string{HeaderAdminKey: "s3cret"}, StatusNoContent},
		{"bearer key", map[string]string{"Authorization": "Bearer s3cret"}, StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := client.Post(context.Background(), "/admin/flush", nil, nil, WithRequestHeaders(tt.headers))
			if resp == nil || resp.StatusCode() != tt.want {
				t.Fatalf("status = %v, want %d", resp, tt.want)
			}
		})
	}
}

func TestAdminKeyMiddlewareWithoutHash(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.Group("/admin").POST("/flush", func(c Context) error { return c.NoContent(StatusNoContent) }, AdminKeyMiddleware(nil))
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))
	resp, err := client.Post(context.Background(), "/admin/flush", nil, nil, WithRequestHeaders(map[string]string{HeaderAdminKey: "any"}))
	var rerr *ResponseError
	if !errors.As(err, &rerr) || rerr.Status != StatusForbidden {
		t.Fatalf("expected 403 ResponseError, got %v", err)
	}
	if resp.StatusCode() != StatusForbidden {
		t.Fatalf("unexpected status: %d", resp.StatusCode())
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	server := NewServer(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	server.RegisterRoutes(func(a *App) {
		a.GET("/id", func(c Context) error {
			id, _ := RequestIDFromContext(c.Request().Context())
			return c.JSON(StatusOK, map[string]string{"id": id})
		})
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))

	var out map[string]string
	resp, err := client.Get(context.Background(), "/id", &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	generated := resp.Header().Get(HeaderRequestID)
	if _, err := uuid.Parse(generated); err != nil {
		t.Fatalf("generated request id %q is not a uuid: %v", generated, err)
	}
	if out["id"] != generated {
		t.Fatalf("context id %q != header id %q", out["id"], generated)
	}

	resp, err = client.Get(context.Background(), "/id", &out, WithRequestHeaders(map[string]string{HeaderRequestID: "abc"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Header().Get(HeaderRequestID) != "abc" || out["id"] != "abc" {
		t.Fatalf("incoming request id not kept: header=%q body=%v", resp.Header().Get(HeaderRequestID), out)
	}
}

func TestClientForwardsRequestID(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.GET("/id", func(c Context) error {
			return c.JSON(StatusOK, map[string]string{"id": c.Request().Header.Get(HeaderRequestID)})
		})
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))
	ctx := context.WithValue(context.Background(), requestIDKey{}, "upstream-1")

	var out map[string]string
	if _, err := client.Get(ctx, "/id", &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out["id"] != "upstream-1" {
		t.Fatalf("request id not forwarded: %v", out)
	}
}

func TestCORS(t *testing.T) {
	server := NewServer(WithCORS([]string{"http://example.com"}, "X-Extra"))
	server.RegisterRoutes(func(a *App) {
		a.GET("/ping", func(c Context) error { return c.NoContent(StatusOK) })
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))
	resp, err := client.Get(context.Background(), "/ping", nil, WithRequestHeaders(map[string]string{
		"Origin": "http://example.com",
	}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.Header().Get("Access-Control-Allow-Origin") != "http://example.com" {
		t.Fatalf("expected CORS allow origin header, got %q", resp.Header().Get("Access-Control-Allow-Origin"))
	}
	if got := resp.Header().Get("Access-Control-Expose-Headers"); !strings.Contains(got, "X-Extra") {
		t.Fatalf("expose headers = %q", got)
	}

	resp, _ = client.Get(context.Background(), "/ping", nil, WithRequestHeaders(map[string]string{
		"Origin": "http://other.example",
	}))
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unlisted origin allowed: %q", got)
	}
}

func TestWithoutCORSOrigins(t *testing.T) {
	server := NewServer(WithCORS(nil))
	server.RegisterRoutes(func(a *App) {
		a.GET("/ping", func(c Context) error { return c.NoContent(StatusOK) })
	})

	ts := NewServerTestServer(server)
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))
	resp, err := client.Get(context.Background(), "/ping", nil, WithRequestHeaders(map[string]string{
		"Origin": "http://example.com",
	}))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("CORS enabled without origins: %q", got)
	}
}

func TestRouterGroups(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.Group("/api").
			GET("/ping", func(c Context) error { return c.JSON(StatusOK, map[string]string{"message": "pong"}) }).
			PUT("/echo", func(c Context) error {
				var payload map[string]any
				if err := c.Bind(&payload); err != nil {
					return HTTPError(StatusBadRequest, "invalid body")
				}
				return c.JSON(StatusOK, payload)
			}).
			DELETE("/gone", func(c Context) error { return c.NoContent(StatusNoContent) })
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))
	ctx := context.Background()

	var body map[string]string
	resp, err := client.Get(ctx, "/api/ping", &body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode() != StatusOK || body["message"] != "pong" {
		t.Fatalf("unexpected response: status=%d body=%v", resp.StatusCode(), body)
	}

	var echoed map[string]string
	resp, err = client.Put(ctx, "/api/echo", map[string]string{"hello": "world"}, &echoed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode() != StatusOK || echoed["hello"] != "world" {
		t.Fatalf("unexpected PUT response: status=%d body=%v", resp.StatusCode(), echoed)
	}

	resp, err = client.Delete(ctx, "/api/gone", nil)
	if err != nil || resp.StatusCode() != StatusNoContent {
		t.Fatalf("DELETE = %v, %v", resp, err)
	}
}

func TestClientRequestOptions(t *testing.T) {
	server := NewServer()
	server.RegisterRoutes(func(a *App) {
		a.GET("/opts", func(c Context) error {
			authz := c.Request().Header.Get("Authorization")
			custom := c.Request().Header.Get("X-Custom")
			qp := c.QueryParam("q")
			tags := strings.Join(c.QueryParams()["tag"], ",")
			return c.JSON(StatusOK, map[string]string{"auth": authz, "custom": custom, "q": qp, "tags": tags})
		})
	})

	ts := NewTestServer(server.Handler())
	defer ts.Close()

	client := NewClient(WithBaseURL(ts.BaseURL()))

	var out map[string]string
	resp, err := client.Get(context.Background(), "/opts", &out,
		WithBearer(" token123 "),
		WithRequestHeaders(map[string]string{"X-Custom": "yes"}),
		WithQuery(map[string]string{"q": "search"}),
		WithQueryValues(url.Values{"tag": {"a", "b"}}),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode() != StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode())
	}
	if out["auth"] != "Bearer token123" || out["custom"] != "yes" || out["q"] != "search" || out["tags"] != "a,b" {
		t.Fatalf("unexpected headers/query: %v", out)
	}
}

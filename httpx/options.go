package httpx

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4/middleware"
)

type ServerOptions struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Middlewares  []MiddlewareFunc
	CORS         *middleware.CORSConfig
	// Logger enables structured access logs in place of echo's logger.
	Logger *slog.Logger
}

type ServerOption func(*ServerOptions)

func defaultServerOptions() ServerOptions {
	return ServerOptions{
		Address:      ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		Middlewares:  []MiddlewareFunc{RecoverMiddleware(), RequestIDMiddleware()},
	}
}

func WithAddress(addr string) ServerOption {
	return func(o *ServerOptions) {
		if addr != "" {
			o.Address = addr
		}
	}
}

func WithTimeouts(read, write time.Duration) ServerOption {
	return func(o *ServerOptions) {
		if read > 0 {
			o.ReadTimeout = read
		}
		if write > 0 {
			o.WriteTimeout = write
		}
	}
}

// WithLogger routes access logs through logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(o *ServerOptions) {
		o.Logger = logger
	}
}

// WithCORS answers cross-origin requests from origins. Response headers
// listed in expose become readable by browser clients.
func WithCORS(origins []string, expose ...string) ServerOption {
	return func(o *ServerOptions) {
		if len(origins) == 0 {
			return
		}
		o.CORS = &middleware.CORSConfig{
			AllowOrigins:  append([]string{}, origins...),
			AllowMethods:  []string{"GET", "HEAD", "PUT", "POST", "DELETE"},
			AllowHeaders:  []string{"Authorization", "Content-Type", HeaderAdminKey, HeaderRequestID},
			ExposeHeaders: append([]string{HeaderRequestID}, expose...),
		}
	}
}

type ClientOptions struct {
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
}

type ClientOption func(*ClientOptions)

func defaultClientOptions() ClientOptions {
	return ClientOptions{Timeout: 10 * time.Second, Headers: map[string]string{"Content-Type": "application/json"}}
}

func WithBaseURL(url string) ClientOption {
	return func(o *ClientOptions) {
		if url != "" {
			o.BaseURL = url
		}
	}
}

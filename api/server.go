// Package api serves a tagcache.Cache over HTTP/JSON.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adeilh/tagcache/cache"
	"github.com/adeilh/tagcache/httpx"
	"github.com/adeilh/tagcache/tagcache"
)

// HeaderWarning carries one reconcile warning per header value on writes.
const HeaderWarning = "X-Tagcache-Warning"

// SetRequest is the body of PUT /v1/items/:id. TTL is a Go duration
// string; empty means permanent.
type SetRequest struct {
	Value []byte   `json:"value"`
	TTL   string   `json:"ttl,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// SwapRequest is the body of PUT /v1/items/:id/value.
type SwapRequest struct {
	Value []byte `json:"value"`
}

type Item struct {
	ID    string `json:"id"`
	Value []byte `json:"value"`
}

type ItemsResponse struct {
	Items map[string][]byte `json:"items"`
}

type TTLResponse struct {
	State string `json:"state"` // missing, persistent or finite
	TTLMs int64  `json:"ttl_ms,omitempty"`
}

type TagsResponse struct {
	Tags []string `json:"tags"`
}

type KeysResponse struct {
	Keys []string `json:"keys"`
}

type DBSizeResponse struct {
	Keys int64 `json:"keys"`
}

// Selector is implemented by stores with numbered databases.
type Selector interface {
	Select(ctx context.Context, db int) error
}

// Informer is implemented by stores that report server statistics in
// Redis INFO format.
type Informer interface {
	Info(ctx context.Context, section string) (string, error)
}

// Handler exposes a Cache over HTTP.
type Handler struct {
	cache    *tagcache.Cache
	admin    cache.Admin
	adminKey []byte
}

type Option func(*Handler)

// WithAdmin enables the /v1/admin routes, guarded by a bcrypt hash of the
// admin key.
func WithAdmin(admin cache.Admin, keyHash []byte) Option {
	return func(h *Handler) {
		h.admin = admin
		h.adminKey = keyHash
	}
}

func NewHandler(c *tagcache.Cache, opts ...Option) *Handler {
	h := &Handler{cache: c}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Register installs every route on app.
func (h *Handler) Register(app *httpx.App) {
	app.GET("/healthz", h.health)

	v1 := app.Group("/v1")
	v1.PUT("/items/:id", h.setItem).
		GET("/items/:id", h.getItem).
		HEAD("/items/:id", h.itemExists).
		DELETE("/items/:id", h.removeItem).
		DELETE("/items", h.removeItems).
		GET("/items", h.getItems).
		PUT("/items/:id/value", h.swapValue).
		GET("/items/:id/ttl", h.itemTTL).
		GET("/items/:id/tags", h.itemTags).
		GET("/tags", h.getByTags).
		GET("/tags/:tag", h.getByTag).
		GET("/tags/:tag/one", h.getOneByTag).
		GET("/tags/:tag/ttl", h.tagTTL).
		DELETE("/tags", h.removeByTags).
		DELETE("/tags/:tag", h.removeByTag)

	if h.admin != nil {
		admin := app.Group("/v1/admin", httpx.AdminKeyMiddleware(h.adminKey))
		admin.GET("/keys", h.keys).
			GET("/dbsize", h.dbSize).
			POST("/flush", h.flushDB).
			POST("/flushall", h.flushAll)
		if _, ok := h.admin.(Selector); ok {
			admin.POST("/select/:db", h.selectDB)
		}
		if _, ok := h.admin.(Informer); ok {
			admin.GET("/info", h.info)
		}
	}
}

func (h *Handler) health(c httpx.Context) error {
	if err := h.cache.Ping(c.Request().Context()); err != nil {
		return toHTTP(err)
	}
	return c.JSON(httpx.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) setItem(c httpx.Context) error {
	var req SetRequest
	if err := c.Bind(&req); err != nil {
		return httpx.HTTPError(httpx.StatusBadRequest, "invalid body")
	}
	ttl := tagcache.Permanent
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil {
			return httpx.HTTPError(httpx.StatusBadRequest, "invalid ttl: "+err.Error())
		}
		ttl = d
	}

	res, err := h.cache.Set(c.Request().Context(), c.Param("id"), req.Value, ttl, req.Tags...)
	if err != nil {
		return toHTTP(err)
	}
	for _, w := range res.Warnings {
		c.Response().Header().Add(HeaderWarning, w.Error())
	}
	return c.NoContent(httpx.StatusNoContent)
}

func (h *Handler) getItem(c httpx.Context) error {
	id := c.Param("id")
	v, err := h.cache.Get(c.Request().Context(), id)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(httpx.StatusOK, Item{ID: id, Value: v})
}

func (h *Handler) getItems(c httpx.Context) error {
	items, err := h.cache.GetMany(c.Request().Context(), c.QueryParams()["id"]...)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(httpx.StatusOK, ItemsResponse{Items: items})
}

// swapValue replaces the value of an existing item and answers with the
// previous one.
func (h *Handler) swapValue(c httpx.Context) error {
	var req SwapRequest
	if err := c.Bind(&req); err != nil {
		return httpx.HTTPError(httpx.StatusBadRequest, "invalid body")
	}
	id := c.Param("id")
	prev, err := h.cache.GetSet(c.Request().Context(), id, req.Value)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(httpx.StatusOK, Item{ID: id, Value: prev})
}

func (h *Handler) itemExists(c httpx.Context) error {
	ok, err := h.cache.Exists(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTP(err)
	}
	if !ok {
		return c.NoContent(httpx.StatusNotFound)
	}
	return c.NoContent(httpx.StatusOK)
}

func (h *Handler) removeItem(c httpx.Context) error {
	if err := h.cache.Remove(c.Request().Context(), c.Param("id")); err != nil {
		return toHTTP(err)
	}
	return c.NoContent(httpx.StatusNoContent)
}

func (h *Handler) removeItems(c httpx.Context) error {
	if err := h.cache.Remove(c.Request().Context(), c.QueryParams()["id"]...); err != nil {
		return toHTTP(err)
	}
	return c.NoContent(httpx.StatusNoContent)
}

func (h *Handler) itemTTL(c httpx.Context) error {
	exp, err := h.cache.TTL(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(httpx.StatusOK, ttlResponse(exp))
}

func (h *Handler) itemTags(c httpx.Context) error {
	tags, err := h.cache.Tags(c.Request().Context(), c.Param("id"))
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(httpx.StatusOK, TagsResponse{Tags: tags})
}

func (h *Handler) getByTag(c httpx.Context) error {
	items, err := h.cache.GetByTag(c.Request().Context(), c.Param("tag"))
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(httpx.StatusOK, ItemsResponse{Items: items})
}

func (h *Handler) getByTags(c httpx.Context) error {
	items, err := h.cache.GetByTags(c.Request().Context(), c.QueryParams()["tag"]...)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(httpx.StatusOK, ItemsResponse{Items: items})
}

func (h *Handler) getOneByTag(c httpx.Context) error {
	id, v, err := h.cache.GetOneByTag(c.Request().Context(), c.Param("tag"))
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(httpx.StatusOK, Item{ID: id, Value: v})
}

func (h *Handler) tagTTL(c httpx.Context) error {
	exp, err := h.cache.TagTTL(c.Request().Context(), c.Param("tag"))
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(httpx.StatusOK, ttlResponse(exp))
}

func (h *Handler) removeByTag(c httpx.Context) error {
	if err := h.cache.RemoveByTag(c.Request().Context(), c.Param("tag")); err != nil {
		return toHTTP(err)
	}
	return c.NoContent(httpx.StatusNoContent)
}

func (h *Handler) removeByTags(c httpx.Context) error {
	if err := h.cache.RemoveByTags(c.Request().Context(), c.QueryParams()["tag"]...); err != nil {
		return toHTTP(err)
	}
	return c.NoContent(httpx.StatusNoContent)
}

func (h *Handler) keys(c httpx.Context) error {
	keys, err := h.admin.Keys(c.Request().Context(), c.QueryParam("pattern"))
	if err != nil {
		return toHTTP(err)
	}
	if keys == nil {
		keys = []string{}
	}
	return c.JSON(httpx.StatusOK, KeysResponse{Keys: keys})
}

func (h *Handler) dbSize(c httpx.Context) error {
	n, err := h.admin.DBSize(c.Request().Context())
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(httpx.StatusOK, DBSizeResponse{Keys: n})
}

func (h *Handler) flushDB(c httpx.Context) error {
	if err := h.admin.FlushDB(c.Request().Context()); err != nil {
		return toHTTP(err)
	}
	return c.NoContent(httpx.StatusNoContent)
}

func (h *Handler) flushAll(c httpx.Context) error {
	if err := h.admin.FlushAll(c.Request().Context()); err != nil {
		return toHTTP(err)
	}
	return c.NoContent(httpx.StatusNoContent)
}

func (h *Handler) selectDB(c httpx.Context) error {
	db, err := strconv.Atoi(c.Param("db"))
	if err != nil {
		return httpx.HTTPError(httpx.StatusBadRequest, "invalid database index")
	}
	if err := h.admin.(Selector).Select(c.Request().Context(), db); err != nil {
		return httpx.HTTPError(httpx.StatusBadRequest, err.Error())
	}
	return c.NoContent(httpx.StatusNoContent)
}

func (h *Handler) info(c httpx.Context) error {
	text, err := h.admin.(Informer).Info(c.Request().Context(), c.QueryParam("section"))
	if err != nil {
		return toHTTP(err)
	}
	return c.String(httpx.StatusOK, text)
}

func ttlResponse(exp cache.Expiration) TTLResponse {
	switch {
	case !exp.Exists():
		return TTLResponse{State: "missing"}
	case exp.IsPersistent():
		return TTLResponse{State: "persistent"}
	default:
		return TTLResponse{State: "finite", TTLMs: exp.Remaining().Milliseconds()}
	}
}

// toHTTP maps engine and store errors onto status codes.
func toHTTP(err error) error {
	code := httpx.StatusInternalError
	switch {
	case errors.Is(err, tagcache.ErrValidation):
		code = httpx.StatusBadRequest
	case errors.Is(err, tagcache.ErrNotFound):
		code = httpx.StatusNotFound
	case errors.Is(err, tagcache.ErrUnavailable):
		code = httpx.StatusServiceUnavailable
	case errors.Is(err, tagcache.ErrBatchAborted):
		code = httpx.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		code = httpx.StatusGatewayTimeout
	}
	msg := err.Error()
	if code == httpx.StatusInternalError {
		msg = strings.TrimSpace(http.StatusText(code) + ": " + msg)
	}
	return httpx.HTTPError(code, msg)
}

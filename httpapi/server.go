// Package httpapi exposes a cache over a small REST surface and provides a
// matching client, so one process can serve its cache to others. It carries
// no authentication or TLS of its own; put it behind whatever edge the
// deployment already has.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/adeilh/livecache"
)

// BucketHeader carries the bucket a value was actually found in, which may
// differ from the requested bucket under tolerant lookup.
const BucketHeader = "X-Livecache-Bucket"

// Server serves a cache over HTTP.
type Server struct {
	cache *livecache.Cache
	echo  *echo.Echo
	opts  Options
}

// Options configures the HTTP server.
type Options struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// MaxValueBytes bounds PUT bodies. Defaults to 4 MiB.
	MaxValueBytes int64
}

func (o Options) withDefaults() Options {
	if o.Address == "" {
		o.Address = ":8080"
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 5 * time.Second
	}
	if o.MaxValueBytes <= 0 {
		o.MaxValueBytes = 4 << 20
	}
	return o
}

// NewServer wires the routes for cache onto a fresh echo instance.
func NewServer(cache *livecache.Cache, opts Options) *Server {
	cfg := opts.withDefaults()
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{cache: cache, echo: e, opts: cfg}

	e.GET("/healthz", s.health)
	e.GET("/v1/buckets/:bucket/keys", s.listKeys)
	e.GET("/v1/buckets/:bucket/keys/:key", s.getKey)
	e.PUT("/v1/buckets/:bucket/keys/:key", s.putKey)
	e.DELETE("/v1/buckets/:bucket/keys/:key", s.deleteKey)
	e.POST("/v1/buckets/:bucket/keys/:key/touch", s.touchKey)
	e.POST("/v1/locks/:key", s.lockKey)
	e.DELETE("/v1/locks/:key", s.unlockKey)
	return s
}

// Handler exposes the server as an http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.echo.Server.ReadTimeout = s.opts.ReadTimeout
	s.echo.Server.WriteTimeout = s.opts.WriteTimeout

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(s.opts.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		_ = s.echo.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listKeys(c echo.Context) error {
	keys := s.cache.Keys(c.Param("bucket"))
	if keys == nil {
		keys = []string{}
	}
	return c.JSON(http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) getKey(c echo.Context) error {
	v, err := s.cache.GetIn(c.Request().Context(), c.Param("bucket"), c.Param("key"))
	if err != nil {
		// A hook timeout surfaces as 504 even though a value was found;
		// remote callers see the same error surface as local ones.
		return httpError(err)
	}
	c.Response().Header().Set(BucketHeader, v.Bucket)
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, v.Data)
}

func (s *Server) putKey(c echo.Context) error {
	ttl, err := parseTTL(c.QueryParam("ttl"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid ttl")
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, s.opts.MaxValueBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	if int64(len(body)) > s.opts.MaxValueBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "value too large")
	}
	if err := s.cache.SetIn(c.Request().Context(), c.Param("bucket"), c.Param("key"), body, ttl); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) deleteKey(c echo.Context) error {
	if err := s.cache.DeleteIn(c.Request().Context(), c.Param("bucket"), c.Param("key")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) touchKey(c echo.Context) error {
	ttl, err := parseTTL(c.QueryParam("ttl"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid ttl")
	}
	if err := s.cache.TouchIn(c.Request().Context(), c.Param("bucket"), c.Param("key"), ttl); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) lockKey(c echo.Context) error {
	timeout, err := parseTTL(c.QueryParam("timeout"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid timeout")
	}
	if err := s.cache.Lock(c.Request().Context(), c.Param("key"), timeout); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) unlockKey(c echo.Context) error {
	s.cache.Unlock(c.Param("key"))
	return c.NoContent(http.StatusNoContent)
}

func parseTTL(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

// httpError maps the cache's typed errors onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, livecache.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, livecache.ErrCapacity):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, livecache.ErrSandboxTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, livecache.ErrBackend):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, livecache.ErrLockTimeout):
		return echo.NewHTTPError(http.StatusLocked, err.Error())
	case errors.Is(err, livecache.ErrStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}

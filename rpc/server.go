package rpc

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	Addr        string
	AuthToken   string // empty → no auth required
	CORSOrigins []string
	TLS         *tls.Config // nil serves plain HTTP
}

// Server is a JSON-RPC 2.0 HTTP server with a websocket notification stream.
type Server struct {
	handler  *Handler
	notifier *Notifier
	opts     ServerOptions
	e        *echo.Echo
	srv      *http.Server
}

// NewServer creates a Server. If opts.AuthToken is non-empty, every request
// must carry "Authorization: Bearer <token>" or, for websocket upgrades from a
// browser, a "token" query parameter.
func NewServer(handler *Handler, notifier *Notifier, opts ServerOptions) *Server {
	s := &Server{handler: handler, notifier: notifier, opts: opts}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(
		middleware.Recover(),
		middleware.RequestID(),
		middleware.Logger(),
		middleware.BodyLimit("1M"),
	)
	if len(opts.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: opts.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
		}))
	}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	api := e.Group("")
	if opts.AuthToken != "" {
		api.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:" + echo.HeaderAuthorization + ",query:token",
			Validator: func(key string, _ echo.Context) (bool, error) {
				key = strings.TrimPrefix(key, "Bearer ")
				return subtle.ConstantTimeCompare([]byte(key), []byte(opts.AuthToken)) == 1, nil
			},
			ErrorHandler: func(_ error, c echo.Context) error {
				return c.JSON(http.StatusUnauthorized, errResponse(nil, CodeUnauthorized, "unauthorized"))
			},
		}))
	}
	api.POST("/rpc", s.serveRPC)
	if notifier != nil {
		api.GET("/ws", notifier.Handle)
	}

	s.e = e
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// actions wait for confirmation inside the request
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Echo exposes the router, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.e }

// Start binds the port synchronously (so callers know immediately if binding
// fails) then serves requests in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	if s.opts.TLS != nil {
		ln = tls.NewListener(ln, s.opts.TLS)
	}
	log.Infof("[rpc] listening on %s (tls=%v)", ln.Addr(), s.opts.TLS != nil)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("[rpc] server error: %v", err)
		}
	}()
	return nil
}

// Stop closes websocket clients and shuts the HTTP server down, waiting for
// in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if s.notifier != nil {
		s.notifier.Close()
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Errorf("[rpc] graceful shutdown failed, forcing close: %v", err)
		return s.srv.Close()
	}
	return nil
}

func (s *Server) serveRPC(c echo.Context) error {
	var req Request
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusOK, errResponse(nil, CodeParseError, err.Error()))
	}
	if req.JSONRPC != "2.0" {
		return c.JSON(http.StatusOK, errResponse(req.ID, CodeInvalidRequest, "jsonrpc must be '2.0'"))
	}
	return c.JSON(http.StatusOK, s.handler.Dispatch(c.Request().Context(), req))
}

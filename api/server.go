// Package api exposes the signing service and the flow orchestrator over
// HTTP. Documents travel as base64 in JSON bodies.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/digitorus/signserver/convert"
	"github.com/digitorus/signserver/flow"
	"github.com/digitorus/signserver/forms"
	"github.com/digitorus/signserver/guard"
	"github.com/digitorus/signserver/signing"
)

// Quota is charged once per successful operation. A Debit error other than
// ErrQuotaExceeded is treated as an internal failure.
type Quota interface {
	Debit(ctx context.Context, owner, operation string) error
}

// QuotaFunc adapts a function to Quota.
type QuotaFunc func(ctx context.Context, owner, operation string) error

func (f QuotaFunc) Debit(ctx context.Context, owner, operation string) error {
	return f(ctx, owner, operation)
}

type unlimited struct{}

func (unlimited) Debit(context.Context, string, string) error { return nil }

type Options struct {
	Signing   *signing.Service
	Flows     *flow.Orchestrator
	Converter *convert.Converter
	Templates *forms.Library

	Limits   guard.SizeGuard
	InFlight *guard.InFlight
	Auth     AuthConfig
	Quota    Quota

	Logger zerolog.Logger
}

// Server routes HTTP requests to the signing operations.
type Server struct {
	signing   *signing.Service
	flows     *flow.Orchestrator
	converter *convert.Converter
	templates *forms.Library

	limits   guard.SizeGuard
	inflight *guard.InFlight
	auth     AuthConfig
	quota    Quota
	log      zerolog.Logger

	engine *gin.Engine
}

// New builds the router. Signing is required; the flow and template
// endpoints are only registered when Flows and Templates are set.
func New(opts Options) (*Server, error) {
	if opts.Signing == nil {
		return nil, errors.New("api: signing service is required")
	}
	if opts.Auth.Enabled && opts.Auth.Secret == "" {
		return nil, errors.New("api: auth enabled without a secret")
	}

	s := &Server{
		signing:   opts.Signing,
		flows:     opts.Flows,
		converter: opts.Converter,
		templates: opts.Templates,
		limits:    opts.Limits,
		inflight:  opts.InFlight,
		auth:      opts.Auth,
		quota:     opts.Quota,
		log:       opts.Logger.With().Str("component", "api").Logger(),
	}
	if s.converter == nil {
		s.converter = convert.New()
	}
	if s.inflight == nil {
		s.inflight = guard.NewInFlight(guard.DefaultMaxInFlight)
	}
	if s.quota == nil {
		s.quota = unlimited{}
	}

	s.engine = gin.New()
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.engine
	r.Use(RequestID(), Recovery(s.log), RequestLogger(s.log), BodyLimit(s.limits.Body))

	r.GET("/healthz", s.health)

	api := r.Group("/api", Auth(s.auth), Throttle(s.inflight, s.log))
	api.POST("/presign", s.presign)
	api.POST("/sign", s.sign)
	api.POST("/sign-pfx", s.signPFX)
	api.POST("/timestamp", s.timestamp)
	api.POST("/attachment", s.attachment)
	api.POST("/pdfa", s.pdfa)
	api.POST("/verify", s.verify)

	if s.flows != nil {
		api.POST("/flows", s.startFlow)
		api.GET("/flows/:id", s.flowStatus)
		api.POST("/flows/:id/signatures", s.completeFlow)
	}

	if s.templates != nil {
		api.GET("/templates", s.listTemplates)
		api.PUT("/templates/:id", s.putTemplate)
		api.GET("/templates/:id", s.getTemplate)
		api.DELETE("/templates/:id", s.deleteTemplate)
	}
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"tsa":    s.signing.HasTimestampAuthority(),
	})
}

// respond debits the quota for operation and writes body.
func (s *Server) respond(c *gin.Context, operation string, status int, body any) {
	if err := s.quota.Debit(c.Request.Context(), GetOwner(c), operation); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(status, body)
}

package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"authgate/internal/autherr"
	"authgate/internal/middleware"
	"authgate/internal/models"
	"authgate/internal/service"
)

// AuthAPI is the slice of service.AuthService the HTTP layer drives.
type AuthAPI interface {
	middleware.SessionValidator
	Login(ctx context.Context, in service.LoginInput) (service.LoginResult, error)
	CompleteTwoFactorLogin(ctx context.Context, in service.CompleteTwoFactorInput) (service.LoginResult, error)
	ChangePassword(ctx context.Context, userID string, in service.ChangePasswordInput) error
	Logout(ctx context.Context, token string, client models.ClientInfo) error
	PrepareTwoFactor(ctx context.Context, userID string) (service.TwoFactorSetup, error)
	SetupTwoFactor(ctx context.Context, userID, code string, client models.ClientInfo) (service.TwoFactorSetup, error)
	DisableTwoFactor(ctx context.Context, userID string, in service.DisableTwoFactorInput) error
}

type AuditAPI interface {
	RecentEvents(ctx context.Context, limit int) ([]models.AuditEvent, error)
	EventsByUser(ctx context.Context, userID string, limit int) ([]models.AuditEvent, error)
	CountRecentFailures(ctx context.Context, window time.Duration) (int64, error)
}

type HandlerSet struct {
	log         zerolog.Logger
	auth        AuthAPI
	audit       AuditAPI
	checks      []HealthCheck
	environment string
}

func NewHandlerSet(log zerolog.Logger, auth AuthAPI, audit AuditAPI, environment string, checks ...HealthCheck) HandlerSet {
	return HandlerSet{
		log:         log.With().Str("component", "handlers").Logger(),
		auth:        auth,
		audit:       audit,
		checks:      checks,
		environment: environment,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/health", h.Health)

	auth := router.Group("/auth")
	{
		auth.POST("/login", h.Login)
		auth.POST("/2fa/verify", h.VerifyTwoFactor)
		auth.POST("/logout", h.Logout)

		protected := auth.Group("")
		protected.Use(middleware.Auth(h.auth))
		protected.GET("/verify", h.Verify)
		protected.POST("/change-password", h.ChangePassword)
		protected.GET("/2fa/prepare", h.PrepareTwoFactor)
		protected.POST("/2fa/setup", h.SetupTwoFactor)
		protected.POST("/2fa/disable", h.DisableTwoFactor)
	}

	audit := router.Group("/audit")
	audit.Use(
		middleware.Auth(h.auth),
		middleware.RequireRoles(models.RoleAdministrator),
	)
	audit.GET("/events", h.RecentEvents)
	audit.GET("/users/:id/events", h.UserEvents)
	audit.GET("/failures", h.RecentFailures)
}

// fail writes err as the error envelope. Internal faults are logged here
// because their detail never reaches the caller.
func (h HandlerSet) fail(c *gin.Context, err error) {
	e := autherr.From(err)
	if e.Kind == autherr.KindInternal {
		h.log.Error().
			Err(err).
			Str("path", c.Request.URL.Path).
			Str("request_id", middleware.RequestIDFrom(c)).
			Msg("request failed")
	}
	middleware.Abort(c, e)
}

// bind decodes an optional JSON body. An empty body leaves req zeroed.
func bind(c *gin.Context, req any) error {
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		return autherr.Wrap(autherr.KindInvalidRequest, "malformed body", err)
	}
	return nil
}

func respond(c *gin.Context, status int, body gin.H) {
	body["success"] = true
	c.JSON(status, body)
}

func currentUser(c *gin.Context) (models.User, bool) {
	session, ok := middleware.CurrentSession(c)
	return session.User, ok
}

var errNoSession = autherr.New(autherr.KindInvalidToken, "no authenticated session")

func okMessage(c *gin.Context, message string) {
	respond(c, http.StatusOK, gin.H{"message": message})
}

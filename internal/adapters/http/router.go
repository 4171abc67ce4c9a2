package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/dkeye/Callbox/internal/adapters/signal"
	"github.com/dkeye/Callbox/internal/app/orch"
	"github.com/dkeye/Callbox/internal/config"
	"github.com/dkeye/Callbox/internal/core"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const identityKey = "identity"

type Deps struct {
	Orch          *orch.Orchestrator
	Signal        *signal.SignalWSController
	Notifications core.NotificationStore
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("CallboxSessions", store))

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "online": len(deps.Orch.Registry.OnlineUsers())})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	h := &handlers{deps: deps}
	api := r.Group("/api")

	api.GET("/ws", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("ws endpoint hit")
		deps.Signal.HandleSignal(ctx, c)
	})

	api.POST("/session", h.login)
	api.DELETE("/session", h.logout)

	authed := api.Group("", h.requireIdentity)
	authed.GET("/presence/:userId", h.presence)
	authed.GET("/notifications", h.listNotifications)
	authed.POST("/notifications/:id/read", h.markRead)

	admin := authed.Group("/admin", h.requireAdmin)
	admin.POST("/notify", h.notify)

	return r
}

type handlers struct {
	deps Deps
}

// bearerToken reads the Authorization header, falling back to the cookie session.
func bearerToken(c *gin.Context) string {
	if token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	if v, ok := sessions.Default(c).Get(signal.SessionTokenKey).(string); ok {
		return v
	}
	return ""
}

func (h *handlers) requireIdentity(c *gin.Context) {
	id, err := h.deps.Orch.Gate.Authenticate(c.Request.Context(), bearerToken(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Set(identityKey, id)
	c.Next()
}

func (h *handlers) requireAdmin(c *gin.Context) {
	if !identity(c).IsAdmin() {
		abortWithError(c, domain.ErrForbidden)
		return
	}
	c.Next()
}

func identity(c *gin.Context) domain.Identity {
	id, _ := c.MustGet(identityKey).(domain.Identity)
	return id
}

func (h *handlers) login(c *gin.Context) {
	token := bearerToken(c)
	id, err := h.deps.Orch.Gate.Authenticate(c.Request.Context(), token)
	if err != nil {
		abortWithError(c, err)
		return
	}
	s := sessions.Default(c)
	s.Set(signal.SessionTokenKey, token)
	if err := s.Save(); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": id})
}

func (h *handlers) logout(c *gin.Context) {
	s := sessions.Default(c)
	s.Clear()
	if err := s.Save(); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) presence(c *gin.Context) {
	uid := domain.UserID(c.Param("userId"))
	online, count := h.deps.Orch.Presence(uid)
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"userId": uid, "online": online, "sessions": count}})
}

func (h *handlers) listNotifications(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortWithError(c, domain.ErrValidation)
			return
		}
		limit = n
	}
	items, err := h.deps.Notifications.ListNotifications(c.Request.Context(), identity(c).UserID, limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (h *handlers) markRead(c *gin.Context) {
	id := domain.NotificationID(c.Param("id"))
	if err := h.deps.Notifications.MarkNotificationRead(c.Request.Context(), identity(c).UserID, id); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case domain.IsAuthFailure(err):
		status = http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
	}
	msg := "Internal Server Error"
	if status != http.StatusInternalServerError {
		msg = err.Error()
	} else {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"data": nil, "message": msg})
}

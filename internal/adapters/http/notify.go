package http

import (
	"fmt"
	"net/http"

	"github.com/dkeye/Callbox/internal/app"
	"github.com/dkeye/Callbox/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type notifyRequest struct {
	Target  string                   `json:"target" binding:"required,oneof=user users all role"`
	UserIDs []domain.UserID          `json:"userIds"`
	Roles   []domain.Role            `json:"roles" binding:"omitempty,dive,oneof=USER ADMIN SUPER_ADMIN"`
	Event   domain.NotificationEvent `json:"event" binding:"required"`
}

func (h *handlers) notify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}

	ctx := c.Request.Context()
	n := h.deps.Orch.Notifier
	var (
		deliveries []app.Delivery
		err        error
	)
	switch req.Target {
	case "user":
		if len(req.UserIDs) != 1 {
			abortWithError(c, fmt.Errorf("%w: exactly one user id is required", domain.ErrValidation))
			return
		}
		var d app.Delivery
		d, err = n.NotifySingleUser(ctx, req.UserIDs[0], req.Event)
		deliveries = []app.Delivery{d}
	case "users":
		if len(req.UserIDs) == 0 {
			abortWithError(c, fmt.Errorf("%w: user ids are required", domain.ErrValidation))
			return
		}
		deliveries, err = n.NotifyMultipleUsers(ctx, req.UserIDs, req.Event)
	case "all":
		var d app.Delivery
		d, err = n.NotifyAllUsers(ctx, req.Event)
		deliveries = []app.Delivery{d}
	case "role":
		var d app.Delivery
		d, err = n.NotifyRole(ctx, req.Roles, req.Event)
		deliveries = []app.Delivery{d}
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	log.Info().Str("module", "adapters.http").Str("target", req.Target).Str("by", string(identity(c).UserID)).Int("notifications", len(deliveries)).Msg("admin notification sent")
	c.JSON(http.StatusAccepted, gin.H{"data": deliveries})
}

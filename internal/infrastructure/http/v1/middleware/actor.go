package middleware

import (
	"github.com/gin-gonic/gin"

	appctx "stockledger/internal/core/context"
)

const HeaderActorID = "X-Actor-ID"

// Actor puts the caller identity from the X-Actor-ID header into the request
// context. Authentication happens upstream; an absent header leaves the
// context without an actor and requests must then name one in the body.
func Actor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if actorID := c.GetHeader(HeaderActorID); actorID != "" {
			ctx := appctx.WithActor(c.Request.Context(), &appctx.Actor{ID: actorID, Source: "header"})
			c.Request = c.Request.WithContext(ctx)
			c.Set("actor_id", actorID)
		}
		c.Next()
	}
}

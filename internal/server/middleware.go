package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	adjustmentdomain "github.com/smallbiznis/brokerpay/internal/adjustment/domain"
	"github.com/smallbiznis/brokerpay/internal/authcontext"
)

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
	headerBrokerID = "X-Broker-ID"
)

// ActorContext copies the gateway identity headers into the request context.
// Requests without a user id pass through unauthenticated and are rejected by
// the services; malformed headers are rejected here.
func (s *Server) ActorContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(headerUserID))
		if userID == "" {
			c.Next()
			return
		}

		role, ok := authcontext.ParseRole(strings.TrimSpace(c.GetHeader(headerUserRole)))
		if !ok {
			AbortWithError(c, adjustmentdomain.ErrNotAuthenticated)
			return
		}

		brokerID, err := parseOptionalSnowflakeID(c.GetHeader(headerBrokerID))
		if err != nil {
			AbortWithError(c, adjustmentdomain.ErrNotAuthenticated)
			return
		}

		ctx := authcontext.WithActor(c.Request.Context(), authcontext.Actor{
			UserID:   userID,
			Role:     role,
			BrokerID: brokerID,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

package server

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/ticketpay/internal/orgcontext"
	"github.com/smallbiznis/ticketpay/internal/ratelimit"
)

// HeaderOrg carries the organizer an admin or checkout request acts for. It
// is trusted as-is; authentication happens in front of this service.
const HeaderOrg = "X-Organization-ID"

// OrgContext copies the organizer header into the request context. Requests
// without it pass through and fail later in the services that need it.
func OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderOrg))
		if raw == "" {
			c.Next()
			return
		}

		orgID, err := snowflake.ParseString(raw)
		if err != nil || orgID <= 0 {
			AbortWithError(c, newValidationError("organization_id", "invalid_organization_id", "invalid organization id"))
			return
		}

		ctx := orgcontext.WithOrgID(c.Request.Context(), orgID.Int64())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// PaymentCreateRateLimit throttles checkout attempts per organizer.
func (s *Server) PaymentCreateRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.paymentLimiter.Enabled() {
			c.Next()
			return
		}
		orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
		if !ok {
			c.Next()
			return
		}

		res, err := s.paymentLimiter.AllowCreate(c.Request.Context(), orgID.String())
		if errors.Is(err, ratelimit.ErrRateLimited) {
			if res != nil && res.RetryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			}
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

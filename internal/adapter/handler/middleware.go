package handler

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/farmigo/internal/core/domain"
	"github.com/rl1809/farmigo/internal/core/service"
)

const principalKey = "principal"

// RequireAuth verifies the bearer token and stores the caller in the gin context.
func RequireAuth(tokens *service.TokenMaker) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := bearerPrincipal(tokens, c.GetHeader("Authorization"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireRole rejects callers whose role is not listed.
func RequireRole(roles ...domain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := principalFrom(c)
		for _, r := range roles {
			if p.Role == r {
				c.Next()
				return
			}
		}
		writeError(c, errors.Wrapf(domain.ErrForbidden, "role %s may not access this route", p.Role))
	}
}

func bearerPrincipal(tokens *service.TokenMaker, header string) (domain.Principal, error) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return domain.Principal{}, errors.Wrap(domain.ErrUnauthorized, "missing bearer token")
	}
	return tokens.VerifyToken(strings.TrimSpace(header[len(prefix):]))
}

func principalFrom(c *gin.Context) domain.Principal {
	v, _ := c.Get(principalKey)
	p, _ := v.(domain.Principal)
	return p
}

func requestLogger(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"client_ip": c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry.Error(c.Errors.String())
			return
		}
		entry.Debug("request")
	}
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/dao/query"
	"github.com/datahaven-io/datahaven/internal/resputil"
	"github.com/datahaven-io/datahaven/internal/util"
)

func AuthProtected() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.Request.Header.Get("Authorization")
		t := strings.Split(authHeader, " ")
		if len(t) < 2 || t[0] != "Bearer" {
			resputil.HTTPError(c, http.StatusUnauthorized, "Invalid token", resputil.TokenInvalid)
			c.Abort()
			return
		}

		authToken := t[1]
		token, err := util.GetTokenMgr().CheckToken(authToken)
		if err != nil {
			resputil.HTTPError(c, http.StatusUnauthorized, err.Error(), resputil.TokenExpired)
			c.Abort()
			return
		}

		// Mutating requests re-check the role against the database so a
		// demoted user cannot keep acting on a stale token.
		if c.Request.Method != http.MethodGet {
			var user model.User
			if err := query.GetDB().WithContext(c).
				Where("id = ?", token.UserID).First(&user).Error; err != nil {
				resputil.HTTPError(c, http.StatusUnauthorized, "User not found", resputil.TokenExpired)
				c.Abort()
				return
			}
			if !user.Active || user.Role != token.Role {
				resputil.HTTPError(c, http.StatusUnauthorized, "Token does not match account", resputil.TokenExpired)
				c.Abort()
				return
			}
		}

		if material, err := util.DecodeKeyMaterial(c.GetHeader(util.SessionKeyHeader)); err != nil {
			resputil.HTTPError(c, http.StatusUnauthorized, "Malformed session key", resputil.TokenInvalid)
			c.Abort()
			return
		} else if material != nil {
			util.SetKeyMaterial(c, material)
		}

		util.SetJWTContext(c, token)
		c.Next()
	}
}

func AuthAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.GetToken(c)
		if token.Role != model.RoleSuperAdmin {
			resputil.HTTPError(c, http.StatusUnauthorized, "Not Admin", resputil.UserNotAllowed)
			c.Abort()
			return
		}
		c.Next()
	}
}

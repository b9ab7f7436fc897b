package util

import (
	"encoding/base64"

	"github.com/gin-gonic/gin"

	"github.com/datahaven-io/datahaven/dao/model"
)

const (
	UserIDKey   = "x-user-id"
	UsernameKey = "x-user-name"
	RoleKey     = "x-user-role"
	UnitIDKey   = "x-unit-id"

	keyMaterialKey = "x-key-material"

	// SessionKeyHeader carries the caller's password-derived key-encryption
	// key, returned at login. Key re-sharing needs it to unwrap the actor's
	// own key material; it is never persisted server-side.
	SessionKeyHeader = "X-Session-Key"
)

func SetJWTContext(c *gin.Context, msg JWTMessage) {
	c.Set(UserIDKey, msg.UserID)
	c.Set(UsernameKey, msg.Username)
	c.Set(RoleKey, msg.Role)
	c.Set(UnitIDKey, msg.UnitID)
}

func GetToken(ctx *gin.Context) JWTMessage {
	var msg JWTMessage
	msg.UserID = ctx.GetUint(UserIDKey)
	msg.Username = ctx.GetString(UsernameKey)
	msg.UnitID = ctx.GetUint(UnitIDKey)

	role, _ := ctx.Get(RoleKey)
	msg.Role, _ = role.(model.Role)
	return msg
}

// SetKeyMaterial stashes the decoded session key for the request scope.
func SetKeyMaterial(c *gin.Context, material []byte) {
	c.Set(keyMaterialKey, material)
}

// GetKeyMaterial returns the caller's key-encryption key, or nil when the
// request carried none.
func GetKeyMaterial(c *gin.Context) []byte {
	v, ok := c.Get(keyMaterialKey)
	if !ok {
		return nil
	}
	material, _ := v.([]byte)
	return material
}

// DecodeKeyMaterial parses the session key header value.
func DecodeKeyMaterial(header string) ([]byte, error) {
	if header == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(header)
}

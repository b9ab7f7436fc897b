package handler

import (
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/internal/resputil"
	"github.com/datahaven-io/datahaven/internal/util"
	"github.com/datahaven-io/datahaven/pkg/keyenvelope"
	"github.com/datahaven-io/datahaven/pkg/logutils"
)

//nolint:gochecknoinits // This is the standard way to register a gin handler.
func init() {
	Registers = append(Registers, NewAuthMgr)
}

type AuthMgr struct {
	name string
	db   *gorm.DB
}

func NewAuthMgr(conf *RegisterConfig) Manager {
	return &AuthMgr{
		name: "auth",
		db:   conf.DB,
	}
}

func (mgr *AuthMgr) GetName() string { return mgr.name }

func (mgr *AuthMgr) RegisterPublic(g *gin.RouterGroup) {
	g.POST("login", mgr.Login)
	g.POST("refresh", mgr.Refresh)
}

func (mgr *AuthMgr) RegisterProtected(_ *gin.RouterGroup) {}

func (mgr *AuthMgr) RegisterAdmin(_ *gin.RouterGroup) {}

type LoginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResp struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	Role         model.Role `json:"role"`

	// SessionKey is the password-derived key-encryption key, returned so the
	// client can send it back in the X-Session-Key header when an operation
	// needs to open the caller's key material. It is never stored.
	SessionKey string `json:"sessionKey"`
}

// Login verifies the password by opening the user's encrypted private key
// with the password-derived key. There is no separate password hash: the key
// material is the credential.
func (mgr *AuthMgr) Login(c *gin.Context) {
	var req LoginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequest(c, err.Error(), resputil.InvalidRequest)
		return
	}

	var user model.User
	if err := mgr.db.WithContext(c).Where("username = ?", req.Username).First(&user).Error; err != nil {
		resputil.HTTPError(c, http.StatusUnauthorized, "Invalid credentials", resputil.TokenInvalid)
		return
	}
	if !user.Active {
		resputil.HTTPError(c, http.StatusUnauthorized, "Account is deactivated", resputil.UserNotAllowed)
		return
	}

	kek, err := keyenvelope.DeriveKey([]byte(req.Password), user.KDFSalt)
	if err != nil {
		resputil.Error(c, err.Error(), resputil.KeyError)
		return
	}
	priv, err := keyenvelope.Decrypt(user.PrivateKey, user.PrivkeyNonce, kek)
	if err != nil {
		keyenvelope.Zero(kek)
		resputil.HTTPError(c, http.StatusUnauthorized, "Invalid credentials", resputil.TokenInvalid)
		return
	}
	keyenvelope.Zero(priv)

	msg := &util.JWTMessage{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
	}
	if user.UnitID != nil {
		msg.UnitID = *user.UnitID
	}
	accessToken, refreshToken, err := util.GetTokenMgr().CreateTokens(msg)
	if err != nil {
		keyenvelope.Zero(kek)
		resputil.Error(c, err.Error(), resputil.NotSpecified)
		return
	}

	sessionKey := base64.StdEncoding.EncodeToString(kek)
	keyenvelope.Zero(kek)

	logutils.Log.Infof("user %s logged in", user.Username)
	resputil.Success(c, LoginResp{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Role:         user.Role,
		SessionKey:   sessionKey,
	})
}

type RefreshReq struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// Refresh trades a valid refresh token for a new token pair. No session key
// is reissued; that requires the password.
func (mgr *AuthMgr) Refresh(c *gin.Context) {
	var req RefreshReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequest(c, err.Error(), resputil.InvalidRequest)
		return
	}

	msg, err := util.GetTokenMgr().CheckToken(req.RefreshToken)
	if err != nil {
		resputil.HTTPError(c, http.StatusUnauthorized, err.Error(), resputil.TokenExpired)
		return
	}

	var user model.User
	if err := mgr.db.WithContext(c).Where("id = ?", msg.UserID).First(&user).Error; err != nil {
		resputil.HTTPError(c, http.StatusUnauthorized, "User not found", resputil.TokenExpired)
		return
	}
	if !user.Active || user.Role != msg.Role {
		resputil.HTTPError(c, http.StatusUnauthorized, "Token does not match account", resputil.TokenExpired)
		return
	}

	accessToken, refreshToken, err := util.GetTokenMgr().CreateTokens(&msg)
	if err != nil {
		resputil.Error(c, err.Error(), resputil.NotSpecified)
		return
	}
	resputil.Success(c, LoginResp{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Role:         msg.Role,
	})
}

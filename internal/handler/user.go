package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/internal/resputil"
	"github.com/datahaven-io/datahaven/internal/sharing"
	"github.com/datahaven-io/datahaven/internal/util"
)

//nolint:gochecknoinits // This is the standard way to register a gin handler.
func init() {
	Registers = append(Registers, NewUserMgr)
}

type UserMgr struct {
	name    string
	db      *gorm.DB
	sharing *sharing.Engine
}

func NewUserMgr(conf *RegisterConfig) Manager {
	return &UserMgr{
		name:    "users",
		db:      conf.DB,
		sharing: conf.Sharing,
	}
}

func (mgr *UserMgr) GetName() string { return mgr.name }

func (mgr *UserMgr) RegisterPublic(g *gin.RouterGroup) {
	g.POST("/invites/accept", mgr.AcceptInvite)
}

func (mgr *UserMgr) RegisterProtected(g *gin.RouterGroup) {
	g.POST("", mgr.AddOrInvite)
	g.DELETE("/access", mgr.RevokeAccess)
}

func (mgr *UserMgr) RegisterAdmin(g *gin.RouterGroup) {
	g.GET("", mgr.ListUsers)
	g.PUT("/:username/active", mgr.SetActive)
}

type AddOrInviteReq struct {
	Email string `json:"email" binding:"required,email"`
	Role  string `json:"role" binding:"required"`
	Owner bool   `json:"owner"`
}

type AddOrInviteResp struct {
	Invited  bool   `json:"invited"`
	Username string `json:"username,omitempty"`
}

// AddOrInvite godoc
// @Summary Grant project or unit access to an email address
// @Router /v1/users [post]
func (mgr *UserMgr) AddOrInvite(c *gin.Context) {
	var req AddOrInviteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequest(c, err.Error(), resputil.InvalidRequest)
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		resputil.BadRequest(c, err.Error(), resputil.InvalidRequest)
		return
	}

	token := util.GetToken(c)
	outcome, err := mgr.sharing.AddOrInvite(c, token, util.GetKeyMaterial(c), &sharing.ShareRequest{
		Email:     req.Email,
		Role:      role,
		Owner:     req.Owner,
		ProjectID: c.Query("project"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	// The one-time token travels only by email, never in the response.
	resputil.Success(c, AddOrInviteResp{Invited: outcome.Invited, Username: outcome.Username})
}

type RevokeAccessReq struct {
	Email     string `json:"email" binding:"required,email"`
	ProjectID string `json:"projectID" binding:"required"`
}

// RevokeAccess godoc
// @Summary Remove a user's or invite's access to a project
// @Router /v1/users/access [delete]
func (mgr *UserMgr) RevokeAccess(c *gin.Context) {
	var req RevokeAccessReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequest(c, err.Error(), resputil.InvalidRequest)
		return
	}

	token := util.GetToken(c)
	if err := mgr.sharing.RevokeAccess(c, token, req.Email, req.ProjectID); err != nil {
		respondError(c, err)
		return
	}
	resputil.Success(c, "")
}

type AcceptInviteReq struct {
	Email    string `json:"email" binding:"required,email"`
	Token    string `json:"token" binding:"required"`
	Username string `json:"username" binding:"required"`
	Name     string `json:"name"`
	Password string `json:"password" binding:"required,min=10"`
}

type AcceptInviteResp struct {
	Username string     `json:"username"`
	Role     model.Role `json:"role"`
}

// AcceptInvite godoc
// @Summary Convert an emailed invite into an account
// @Router /v1/invites/accept [post]
func (mgr *UserMgr) AcceptInvite(c *gin.Context) {
	var req AcceptInviteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequest(c, err.Error(), resputil.InvalidRequest)
		return
	}

	user, err := mgr.sharing.AcceptInvite(c, &sharing.AcceptInviteRequest{
		Email:    req.Email,
		Token:    req.Token,
		Username: req.Username,
		Name:     req.Name,
		Password: req.Password,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	resputil.Success(c, AcceptInviteResp{Username: user.Username, Role: user.Role})
}

type UserResp struct {
	Username string     `json:"username"`
	Name     string     `json:"name"`
	Role     model.Role `json:"role"`
	UnitID   *uint      `json:"unitID"`
	Active   bool       `json:"active"`
}

func (mgr *UserMgr) ListUsers(c *gin.Context) {
	var users []UserResp
	if err := mgr.db.WithContext(c).Model(&model.User{}).
		Select("username", "name", "role", "unit_id", "active").
		Order("username").Scan(&users).Error; err != nil {
		resputil.Error(c, err.Error(), resputil.NotSpecified)
		return
	}
	resputil.Success(c, users)
}

type SetActiveReq struct {
	Active *bool `json:"active" binding:"required"`
}

// SetActive deactivates or reactivates an account. Mutating endpoints
// re-check the account row, so a deactivated user loses access on their next
// write even with a live token.
func (mgr *UserMgr) SetActive(c *gin.Context) {
	var req SetActiveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequest(c, err.Error(), resputil.InvalidRequest)
		return
	}

	res := mgr.db.WithContext(c).Model(&model.User{}).
		Where("username = ?", c.Param("username")).
		Update("active", *req.Active)
	if res.Error != nil {
		resputil.Error(c, res.Error.Error(), resputil.NotSpecified)
		return
	}
	if res.RowsAffected == 0 {
		resputil.HTTPError(c, http.StatusNotFound, "User not found", resputil.NotFound)
		return
	}
	resputil.Success(c, "")
}

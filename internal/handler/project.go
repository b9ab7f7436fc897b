package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"gorm.io/gorm"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/internal/lifecycle"
	"github.com/datahaven-io/datahaven/internal/resputil"
	"github.com/datahaven-io/datahaven/internal/usage"
	"github.com/datahaven-io/datahaven/internal/util"
)

//nolint:gochecknoinits // This is the standard way to register a gin handler.
func init() {
	Registers = append(Registers, NewProjectMgr)
}

type ProjectMgr struct {
	name      string
	db        *gorm.DB
	lifecycle *lifecycle.Engine
	usage     *usage.Calculator
}

func NewProjectMgr(conf *RegisterConfig) Manager {
	return &ProjectMgr{
		name:      "projects",
		db:        conf.DB,
		lifecycle: conf.Lifecycle,
		usage:     conf.Usage,
	}
}

func (mgr *ProjectMgr) GetName() string { return mgr.name }

func (mgr *ProjectMgr) RegisterPublic(_ *gin.RouterGroup) {}

func (mgr *ProjectMgr) RegisterProtected(g *gin.RouterGroup) {
	g.GET("", mgr.ListProjects)
	g.POST("", mgr.CreateProject)
	g.GET("/:id", mgr.GetProject)
	g.GET("/:id/public", mgr.GetPublicKey)
	g.GET("/:id/users", mgr.ListMembers)
	g.POST("/:id/status", mgr.ChangeStatus)
	g.PUT("/:id/size", mgr.UpdateSize)
	g.GET("/:id/usage", mgr.GetProjectUsage)
	g.GET("/usage", mgr.GetUnitUsage)
}

func (mgr *ProjectMgr) RegisterAdmin(g *gin.RouterGroup) {
	g.GET("", mgr.ListAllProjects)
}

type CreateProjectReq struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description" binding:"required"`
	PI          string `json:"pi"`
	Sensitive   bool   `json:"sensitive"`
}

type CreateProjectResp struct {
	ProjectID string `json:"projectID"`
	Warning   string `json:"warning,omitempty"`
}

type ProjectResp struct {
	ProjectID   string     `json:"projectID"`
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	PI          *string    `json:"pi"`
	CreatedBy   string     `json:"createdBy"`
	Size        int64      `json:"size"`
	Status      string     `json:"status"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	Sensitive   bool       `json:"sensitive"`
	CreatedAt   time.Time  `json:"createdAt"`
}

func projectResp(p *model.Project) ProjectResp {
	resp := ProjectResp{
		ProjectID:   p.PublicID,
		Title:       p.Title,
		Description: p.Description,
		PI:          p.PI,
		CreatedBy:   p.CreatedBy,
		Size:        p.Size,
		Sensitive:   p.IsSensitive,
		CreatedAt:   p.CreatedAt,
	}
	if cur := p.CurrentStatus(); cur != nil {
		resp.Status = cur.State.String()
		resp.Deadline = cur.Deadline
	}
	return resp
}

// CreateProject godoc
// @Summary Create a project for the caller's unit
// @Router /v1/projects [post]
func (mgr *ProjectMgr) CreateProject(c *gin.Context) {
	var req CreateProjectReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequest(c, err.Error(), resputil.InvalidRequest)
		return
	}

	token := util.GetToken(c)
	project, warning, err := mgr.lifecycle.CreateProject(c, token, &lifecycle.CreateProjectRequest{
		Title:       req.Title,
		Description: req.Description,
		PI:          req.PI,
		Sensitive:   req.Sensitive,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	resputil.Success(c, CreateProjectResp{ProjectID: project.PublicID, Warning: warning})
}

// ListProjects returns the projects the caller can see: all projects of the
// unit for unit staff, joined projects for researchers.
func (mgr *ProjectMgr) ListProjects(c *gin.Context) {
	token := util.GetToken(c)

	var projects []model.Project
	tx := mgr.db.WithContext(c).Preload("Statuses")
	if token.Role.IsUnitLevel() {
		tx = tx.Where("unit_id = ?", token.UnitID)
	} else {
		tx = tx.Joins("JOIN project_users ON project_users.project_id = projects.id").
			Where("project_users.username = ?", token.Username)
	}
	if err := tx.Order("public_id").Find(&projects).Error; err != nil {
		resputil.Error(c, err.Error(), resputil.NotSpecified)
		return
	}

	resputil.Success(c, lo.Map(projects, func(p model.Project, _ int) ProjectResp {
		return projectResp(&p)
	}))
}

func (mgr *ProjectMgr) ListAllProjects(c *gin.Context) {
	var projects []model.Project
	if err := mgr.db.WithContext(c).Preload("Statuses").
		Order("public_id").Find(&projects).Error; err != nil {
		resputil.Error(c, err.Error(), resputil.NotSpecified)
		return
	}
	resputil.Success(c, lo.Map(projects, func(p model.Project, _ int) ProjectResp {
		return projectResp(&p)
	}))
}

func (mgr *ProjectMgr) GetProject(c *gin.Context) {
	project, err := mgr.loadVisibleProject(c)
	if err != nil {
		respondError(c, err)
		return
	}
	resputil.Success(c, projectResp(project))
}

type PublicKeyResp struct {
	ProjectID string `json:"projectID"`
	PublicKey []byte `json:"publicKey"`
}

// GetPublicKey returns the project public key, used by upload clients to
// encrypt file keys. The private half only moves through the sharing chain.
func (mgr *ProjectMgr) GetPublicKey(c *gin.Context) {
	project, err := mgr.loadVisibleProject(c)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(project.PublicKey) == 0 {
		respondError(c, lifecycle.ErrProjectNotFound)
		return
	}
	resputil.Success(c, PublicKeyResp{ProjectID: project.PublicID, PublicKey: project.PublicKey})
}

type MemberResp struct {
	Username string `json:"username"`
	Owner    bool   `json:"owner"`
}

// ListMembers returns the research users associated with the project.
func (mgr *ProjectMgr) ListMembers(c *gin.Context) {
	project, err := mgr.loadVisibleProject(c)
	if err != nil {
		respondError(c, err)
		return
	}

	var members []MemberResp
	if err := mgr.db.WithContext(c).Model(&model.ProjectUser{}).
		Select("username", "owner").
		Where("project_id = ?", project.ID).
		Order("username").Scan(&members).Error; err != nil {
		resputil.Error(c, err.Error(), resputil.NotSpecified)
		return
	}
	resputil.Success(c, members)
}

type ChangeStatusReq struct {
	NewStatus string `json:"newStatus" binding:"required"`
	Deadline  *int   `json:"deadline"`
	IsAborted bool   `json:"isAborted"`
	SendEmail bool   `json:"sendEmail"`
}

type ChangeStatusResp struct {
	ProjectID string     `json:"projectID"`
	Status    string     `json:"status"`
	Deadline  *time.Time `json:"deadline,omitempty"`
}

// ChangeStatus godoc
// @Summary Run one lifecycle transition on a project
// @Router /v1/projects/{id}/status [post]
func (mgr *ProjectMgr) ChangeStatus(c *gin.Context) {
	token := util.GetToken(c)
	if !token.Role.IsUnitLevel() {
		resputil.HTTPError(c, http.StatusForbidden, "Only unit accounts manage project status", resputil.UserNotAllowed)
		return
	}

	var req ChangeStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequest(c, err.Error(), resputil.InvalidRequest)
		return
	}
	state, err := model.ParseProjectState(req.NewStatus)
	if err != nil {
		resputil.BadRequest(c, err.Error(), resputil.InvalidRequest)
		return
	}

	status, err := mgr.lifecycle.ChangeStatus(c, &lifecycle.TransitionRequest{
		ProjectID:    c.Param("id"),
		NewState:     state,
		DeadlineDays: req.Deadline,
		Abort:        req.IsAborted,
		SendEmail:    req.SendEmail,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	resputil.Success(c, ChangeStatusResp{
		ProjectID: c.Param("id"),
		Status:    status.State.String(),
		Deadline:  status.Deadline,
	})
}

type UpdateSizeResp struct {
	ProjectID string `json:"projectID"`
	Size      int64  `json:"size"`
	Attempts  int    `json:"attempts"`
}

// UpdateSize re-derives the stored project size from the file rows.
func (mgr *ProjectMgr) UpdateSize(c *gin.Context) {
	token := util.GetToken(c)
	if !token.Role.IsUnitLevel() {
		resputil.HTTPError(c, http.StatusForbidden, "Only unit accounts update project size", resputil.UserNotAllowed)
		return
	}

	size, attempts, err := mgr.lifecycle.RecalculateSize(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	resputil.Success(c, UpdateSizeResp{ProjectID: c.Param("id"), Size: size, Attempts: attempts})
}

func (mgr *ProjectMgr) GetProjectUsage(c *gin.Context) {
	if _, err := mgr.loadVisibleProject(c); err != nil {
		respondError(c, err)
		return
	}
	u, err := mgr.usage.ForProject(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	resputil.Success(c, u)
}

type UnitUsageResp struct {
	Projects []usage.ProjectUsage `json:"projects"`
	Total    usage.ProjectUsage   `json:"total"`
}

func (mgr *ProjectMgr) GetUnitUsage(c *gin.Context) {
	token := util.GetToken(c)
	if !token.Role.IsUnitLevel() {
		resputil.HTTPError(c, http.StatusForbidden, "Only unit accounts read unit usage", resputil.UserNotAllowed)
		return
	}

	usages, total, err := mgr.usage.ForUnit(c, token.UnitID)
	if err != nil {
		respondError(c, err)
		return
	}
	resputil.Success(c, UnitUsageResp{Projects: usages, Total: *total})
}

// loadVisibleProject resolves :id and checks the caller can see the project.
func (mgr *ProjectMgr) loadVisibleProject(c *gin.Context) (*model.Project, error) {
	token := util.GetToken(c)

	var project model.Project
	err := mgr.db.WithContext(c).Preload("Statuses").
		Where("public_id = ?", c.Param("id")).First(&project).Error
	if err != nil {
		return nil, lifecycle.ErrProjectNotFound
	}

	if token.Role.IsUnitLevel() {
		if project.UnitID == nil || *project.UnitID != token.UnitID {
			return nil, lifecycle.ErrAccessDenied
		}
		return &project, nil
	}
	if token.Role == model.RoleSuperAdmin {
		return &project, nil
	}

	var count int64
	if err := mgr.db.WithContext(c).Model(&model.ProjectUser{}).
		Where("project_id = ? AND username = ?", project.ID, token.Username).
		Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, lifecycle.ErrAccessDenied
	}
	return &project, nil
}

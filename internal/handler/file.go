package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/internal/files"
	"github.com/datahaven-io/datahaven/internal/resputil"
	"github.com/datahaven-io/datahaven/internal/util"
)

//nolint:gochecknoinits // This is the standard way to register a gin handler.
func init() {
	Registers = append(Registers, NewFileMgr)
}

type FileMgr struct {
	name  string
	files *files.Engine
}

func NewFileMgr(conf *RegisterConfig) Manager {
	return &FileMgr{
		name:  "files",
		files: conf.Files,
	}
}

func (mgr *FileMgr) GetName() string { return mgr.name }

func (mgr *FileMgr) RegisterPublic(_ *gin.RouterGroup) {}

func (mgr *FileMgr) RegisterProtected(g *gin.RouterGroup) {
	g.POST("", mgr.RegisterFile)
	g.GET("", mgr.ListFiles)
	g.DELETE("", mgr.RemoveFiles)
	g.DELETE("/dir", mgr.RemoveDir)
}

func (mgr *FileMgr) RegisterAdmin(_ *gin.RouterGroup) {}

type RegisterFileReq struct {
	ProjectID    string `json:"projectID" binding:"required"`
	Name         string `json:"name" binding:"required"`
	Subpath      string `json:"subpath"`
	NameInBucket string `json:"nameInBucket" binding:"required"`
	SizeOriginal int64  `json:"size" binding:"required"`
	SizeStored   int64  `json:"sizeProcessed" binding:"required"`
	Compressed   bool   `json:"compressed"`
	Checksum     string `json:"checksum" binding:"required"`
	PublicKey    []byte `json:"publicKey" binding:"required"`
	Salt         []byte `json:"salt" binding:"required"`
}

type FileResp struct {
	PublicID     string `json:"fileID"`
	Name         string `json:"name"`
	Subpath      string `json:"subpath"`
	SizeOriginal int64  `json:"size"`
	SizeStored   int64  `json:"sizeProcessed"`
	Compressed   bool   `json:"compressed"`
	Checksum     string `json:"checksum"`
}

func fileResp(f *model.File) FileResp {
	return FileResp{
		PublicID:     f.PublicID,
		Name:         f.Name,
		Subpath:      f.Subpath,
		SizeOriginal: f.SizeOriginal,
		SizeStored:   f.SizeStored,
		Compressed:   f.Compressed,
		Checksum:     f.Checksum,
	}
}

// RegisterFile godoc
// @Summary Register an uploaded object in the file index
// @Router /v1/files [post]
func (mgr *FileMgr) RegisterFile(c *gin.Context) {
	var req RegisterFileReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequest(c, err.Error(), resputil.InvalidRequest)
		return
	}

	file, err := mgr.files.Register(c, util.GetToken(c), &files.RegisterRequest{
		ProjectID:    req.ProjectID,
		Name:         req.Name,
		Subpath:      req.Subpath,
		NameInBucket: req.NameInBucket,
		SizeOriginal: req.SizeOriginal,
		SizeStored:   req.SizeStored,
		Compressed:   req.Compressed,
		Checksum:     req.Checksum,
		PublicKey:    req.PublicKey,
		Salt:         req.Salt,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	resputil.Success(c, fileResp(file))
}

// ListFiles godoc
// @Summary List the file index of a project
// @Router /v1/files [get]
func (mgr *FileMgr) ListFiles(c *gin.Context) {
	list, err := mgr.files.List(c, util.GetToken(c), c.Query("project"))
	if err != nil {
		respondError(c, err)
		return
	}
	resputil.Success(c, lo.Map(list, func(f model.File, _ int) FileResp {
		return fileResp(&f)
	}))
}

type RemoveFilesReq struct {
	ProjectID string   `json:"projectID" binding:"required"`
	Names     []string `json:"names" binding:"required"`
}

// RemoveFiles godoc
// @Summary Remove files from the index and the bucket
// @Router /v1/files [delete]
func (mgr *FileMgr) RemoveFiles(c *gin.Context) {
	var req RemoveFilesReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequest(c, err.Error(), resputil.InvalidRequest)
		return
	}

	outcome, err := mgr.files.Remove(c, util.GetToken(c), req.ProjectID, req.Names)
	if err != nil {
		respondError(c, err)
		return
	}
	resputil.Success(c, outcome)
}

type RemoveDirReq struct {
	ProjectID string `json:"projectID" binding:"required"`
	Subpath   string `json:"subpath" binding:"required"`
}

type RemoveDirResp struct {
	Removed int `json:"removed"`
}

// RemoveDir godoc
// @Summary Remove every file under a subpath
// @Router /v1/files/dir [delete]
func (mgr *FileMgr) RemoveDir(c *gin.Context) {
	var req RemoveDirReq
	if err := c.ShouldBindJSON(&req); err != nil {
		resputil.BadRequest(c, err.Error(), resputil.InvalidRequest)
		return
	}

	removed, err := mgr.files.RemoveDir(c, util.GetToken(c), req.ProjectID, req.Subpath)
	if err != nil {
		respondError(c, err)
		return
	}
	resputil.Success(c, RemoveDirResp{Removed: removed})
}

package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/datahaven-io/datahaven/internal/files"
	"github.com/datahaven-io/datahaven/internal/lifecycle"
	"github.com/datahaven-io/datahaven/internal/resputil"
	"github.com/datahaven-io/datahaven/internal/sharing"
	"github.com/datahaven-io/datahaven/internal/usage"
)

type Manager interface {
	GetName() string
	RegisterPublic(group *gin.RouterGroup)
	RegisterProtected(group *gin.RouterGroup)
	RegisterAdmin(group *gin.RouterGroup)
}

// RegisterConfig carries the shared engines into every manager constructor.
type RegisterConfig struct {
	DB        *gorm.DB
	Lifecycle *lifecycle.Engine
	Sharing   *sharing.Engine
	Files     *files.Engine
	Usage     *usage.Calculator
}

type ManagerRegisterFunc func(conf *RegisterConfig) Manager

// Registers collects the manager constructors; each handler file appends its
// own in init().
var Registers []ManagerRegisterFunc

// respondError maps engine errors onto the response envelope. Anything not
// recognized is a plain server error.
func respondError(c *gin.Context, err error) {
	var transitionErr *lifecycle.TransitionError
	var lifecycleArg *lifecycle.ArgumentError
	var sharingArg *sharing.ArgumentError
	var filesArg *files.ArgumentError

	switch {
	case errors.As(err, &transitionErr):
		resputil.BadRequest(c, err.Error(), resputil.InvalidTransition)
	case errors.As(err, &lifecycleArg), errors.As(err, &sharingArg), errors.As(err, &filesArg):
		resputil.BadRequest(c, err.Error(), resputil.InvalidRequest)
	case errors.Is(err, lifecycle.ErrProjectBusy):
		resputil.HTTPError(c, http.StatusConflict, err.Error(), resputil.ProjectBusy)
	case errors.Is(err, sharing.ErrSameAccess):
		resputil.HTTPError(c, http.StatusConflict, err.Error(), resputil.NothingToDo)
	case errors.Is(err, lifecycle.ErrProjectNotFound), errors.Is(err, sharing.ErrNotFound),
		errors.Is(err, files.ErrNotFound):
		resputil.HTTPError(c, http.StatusNotFound, err.Error(), resputil.NotFound)
	case errors.Is(err, lifecycle.ErrAccessDenied), errors.Is(err, sharing.ErrAccessDenied),
		errors.Is(err, files.ErrAccessDenied):
		resputil.HTTPError(c, http.StatusForbidden, err.Error(), resputil.UserNotAllowed)
	case errors.Is(err, sharing.ErrKeyUnavailable), errors.Is(err, sharing.ErrInviteExpired):
		resputil.HTTPError(c, http.StatusUnauthorized, err.Error(), resputil.KeyError)
	default:
		resputil.Error(c, err.Error(), resputil.NotSpecified)
	}
}

package internal

import (
	"net/http"
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/datahaven-io/datahaven/internal/handler"
	"github.com/datahaven-io/datahaven/internal/middleware"
)

type Backend struct {
	R *gin.Engine
}

// Register builds the gin engine: health and metrics endpoints, the public
// /v1 routes, the authenticated routes and the admin routes, then lets each
// registered manager attach its handlers.
func Register(conf *handler.RegisterConfig) *Backend {
	s := new(Backend)
	s.R = gin.Default()
	s.R.Use(handler.CountRequests())

	s.R.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	// Enable CORS for a local frontend in debug mode
	if gin.Mode() == gin.DebugMode {
		if fe := os.Getenv("DATAHAVEN_FE_PORT"); fe != "" {
			corsConf := cors.DefaultConfig()
			corsConf.AllowOrigins = []string{"http://localhost:" + fe}
			corsConf.AllowHeaders = append(corsConf.AllowHeaders, "Authorization", "X-Session-Key")
			s.R.Use(cors.New(corsConf))
		}
	}

	publicRouter := s.R.Group("/v1")
	metricsRouter := s.R.Group("/metrics")

	protectedRouter := s.R.Group("/v1")
	protectedRouter.Use(middleware.AuthProtected())

	adminRouter := s.R.Group("/v1/admin")
	adminRouter.Use(middleware.AuthProtected(), middleware.AuthAdmin())

	for _, register := range handler.Registers {
		mgr := register(conf)
		if mgr.GetName() == "metrics" {
			mgr.RegisterPublic(metricsRouter)
			continue
		}
		mgr.RegisterPublic(publicRouter)
		mgr.RegisterProtected(protectedRouter.Group(mgr.GetName()))
		mgr.RegisterAdmin(adminRouter.Group(mgr.GetName()))
		klog.Infof("Registered manager: %s", mgr.GetName())
	}

	return s
}

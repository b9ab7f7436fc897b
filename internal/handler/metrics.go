package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/datahaven-io/datahaven/dao/model"
	"github.com/datahaven-io/datahaven/internal/resputil"
)

type MetricsMgr struct {
	name string
	db   *gorm.DB
}

func NewMetricsMgr(conf *RegisterConfig) Manager {
	return &MetricsMgr{
		name: "metrics",
		db:   conf.DB,
	}
}

func (mgr *MetricsMgr) GetName() string { return mgr.name }

func (mgr *MetricsMgr) RegisterPublic(metrics *gin.RouterGroup) {
	metrics.GET("", mgr.GetMetrics)
}

func (mgr *MetricsMgr) RegisterProtected(_ *gin.RouterGroup) {}

func (mgr *MetricsMgr) RegisterAdmin(_ *gin.RouterGroup) {}

var registry *prometheus.Registry

var promHTTPHandler http.Handler

var projectsByState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "projects_by_state",
		Help: "Number of projects per lifecycle state",
	},
	[]string{"state"},
)

var storedBytesGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "stored_bytes_total",
		Help: "Sum of project sizes in bytes",
	},
)

var openInvitesGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "open_invites_total",
		Help: "Number of unanswered invites",
	},
)

var requestCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by method, route and status code",
	},
	[]string{"method", "path", "code"},
)

// CountRequests is the per-request counter middleware attached to the main
// router.
func CountRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestCounter.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

//nolint:gochecknoinits // This is the standard way to register a gin handler.
func init() {
	Registers = append(Registers, NewMetricsMgr)
	registry = prometheus.NewRegistry()
	promHTTPHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
	registry.MustRegister(projectsByState)
	registry.MustRegister(storedBytesGauge)
	registry.MustRegister(openInvitesGauge)
	registry.MustRegister(requestCounter)
}

// GetMetrics godoc
// @Summary Expose project and invite gauges for Prometheus
// @Router /metrics [get]
func (mgr *MetricsMgr) GetMetrics(c *gin.Context) {
	if err := mgr.collect(c); err != nil {
		resputil.Error(c, err.Error(), resputil.NotSpecified)
		return
	}
	promHTTPHandler.ServeHTTP(c.Writer, c.Request)
}

// collect refreshes the gauges from the database on every scrape. The
// current state of a project is its newest status row.
func (mgr *MetricsMgr) collect(c *gin.Context) error {
	var projects []model.Project
	if err := mgr.db.WithContext(c).Preload("Statuses").Find(&projects).Error; err != nil {
		return err
	}

	counts := make(map[model.ProjectState]int)
	var totalBytes int64
	for i := range projects {
		counts[projects[i].CurrentState()]++
		totalBytes += projects[i].Size
	}
	for state := model.StateInProgress; state <= model.StateDeleted; state++ {
		projectsByState.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
	storedBytesGauge.Set(float64(totalBytes))

	var invites int64
	if err := mgr.db.WithContext(c).Model(&model.Invite{}).Count(&invites).Error; err != nil {
		return err
	}
	openInvitesGauge.Set(float64(invites))
	return nil
}

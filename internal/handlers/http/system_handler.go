package http

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"flashlive/internal/infrastructure/media"
	"flashlive/internal/infrastructure/monitoring"
	"flashlive/pkg/config"
	"flashlive/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SystemHandler serves the ICE configuration, readiness, metrics and the
// static UI.
type SystemHandler struct {
	iceServers []config.ICEServer
	health     *monitoring.HealthChecker
	gatherer   prometheus.Gatherer
	staticDir  string
}

func NewSystemHandler(iceServers []config.ICEServer, health *monitoring.HealthChecker, gatherer prometheus.Gatherer, staticDir string) *SystemHandler {
	return &SystemHandler{
		iceServers: iceServers,
		health:     health,
		gatherer:   gatherer,
		staticDir:  staticDir,
	}
}

func (h *SystemHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/api/ice-servers", h.ICEServers)
	router.GET("/ready", h.Ready)
	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
	router.NoRoute(h.Static)
}

func (h *SystemHandler) ICEServers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"iceServers": media.ICEServers(h.iceServers)})
}

func (h *SystemHandler) Ready(c *gin.Context) {
	status := h.health.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != monitoring.StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

// Static serves files from the static directory and falls back to
// index.html so client-side routes resolve. Unknown API paths get a JSON 404.
func (h *SystemHandler) Static(c *gin.Context) {
	path := c.Request.URL.Path
	if strings.HasPrefix(path, "/api/") || (c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead) {
		appErr := errors.NewNotFoundError("route")
		c.JSON(appErr.HTTPStatus, appErr.Response())
		return
	}

	if h.staticDir == "" {
		c.Status(http.StatusNotFound)
		return
	}

	clean := filepath.Clean("/" + path)
	file := filepath.Join(h.staticDir, filepath.FromSlash(clean))
	if info, err := os.Stat(file); err == nil && !info.IsDir() {
		c.File(file)
		return
	}

	index := filepath.Join(h.staticDir, "index.html")
	if _, err := os.Stat(index); err != nil {
		c.Status(http.StatusNotFound)
		return
	}
	c.File(index)
}

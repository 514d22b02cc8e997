package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes reconciliation to administrators.
type Handler struct {
	service *Service
}

// NewHandler creates a reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up the admin reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconciliation", h.Latest)
	r.POST("/admin/reconciliation/run", h.RunNow)
}

// Latest handles GET /admin/reconciliation
func (h *Handler) Latest(c *gin.Context) {
	report := h.service.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation has run yet."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "clean": report.Clean()})
}

// RunNow handles POST /admin/reconciliation/run
func (h *Handler) RunNow(c *gin.Context) {
	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Reconciliation failed."})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "clean": report.Clean()})
}

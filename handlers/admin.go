package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meterable/meterable/authz"
	"github.com/meterable/meterable/cache"
	"github.com/meterable/meterable/services"
)

// AdminHandler handles service-to-service administrative operations
type AdminHandler struct {
	Assignments *services.AssignmentService
	Cache       *cache.EntityCache
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(assignments *services.AssignmentService, c *cache.EntityCache) *AdminHandler {
	return &AdminHandler{Assignments: assignments, Cache: c}
}

// StoreAssignment handles PUT /v1/apps/:id/assignment
func (h *AdminHandler) StoreAssignment(c *gin.Context) {
	appID := c.Param("id")

	var input services.AssignmentInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	app, err := h.Assignments.StoreAssignment(c.Request.Context(), appID, input)
	if err != nil {
		if errors.Is(err, authz.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store assignment"})
		return
	}

	c.JSON(http.StatusOK, app)
}

// InvalidateCache handles POST /v1/admin/cache/invalidate. With no body it
// drops every kind; {"kind": "apps"} drops just one.
func (h *AdminHandler) InvalidateCache(c *gin.Context) {
	var input struct {
		Kind string `json:"kind"`
	}
	// Body is optional.
	_ = c.ShouldBindJSON(&input)

	if input.Kind == "" {
		h.Cache.InvalidateAll()
	} else {
		h.Cache.Invalidate(cache.Kind(input.Kind))
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

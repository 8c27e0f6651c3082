package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teclab-ai/bitrelay/internal/registry"
)

// ModelsHandler serves the models listing.
type ModelsHandler struct {
	registry *registry.Registry
}

// NewModelsHandler builds a listing handler over the registry.
func NewModelsHandler(reg *registry.Registry) *ModelsHandler {
	return &ModelsHandler{registry: reg}
}

// ListModels handles GET /v1/models. The listing reflects exactly the
// configured models, in configuration order.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   h.registry.Cards(),
	})
}

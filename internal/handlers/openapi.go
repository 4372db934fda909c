package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-crawl-gateway/internal/logutil"
	"github.com/oremus-labs/ol-crawl-gateway/internal/openapi"
)

// OpenAPISpec serves the gateway's OpenAPI document as JSON, or YAML with ?format=yaml.
func (h *Handler) OpenAPISpec(c *gin.Context) {
	data, contentType, err := openapi.Render(c.Query("format"))
	if err != nil {
		if data == nil && contentType == "" {
			respondError(c, http.StatusBadRequest, err.Error())
			return
		}
		logutil.Error("openapi_render_failed", err, nil)
		respondError(c, http.StatusInternalServerError, "failed to render OpenAPI document")
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

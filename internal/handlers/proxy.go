package handlers

import (
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-crawl-gateway/internal/backend"
	"github.com/oremus-labs/ol-crawl-gateway/internal/validator"
)

const (
	targetAPI = "api"
	targetMCP = "mcp"
)

func (h *Handler) forward(c *gin.Context, target, method, rawURL string, body []byte) {
	if q := c.Request.URL.RawQuery; q != "" {
		rawURL += "?" + q
	}
	resp, err := h.backend.Do(c.Request.Context(), backend.Request{Target: target, Method: method, URL: rawURL, Body: body})
	respondUpstream(c, resp, err)
}

// validatedBody reads the request body and checks it against schema. It writes
// the error response and returns false when the payload is rejected.
func (h *Handler) validatedBody(c *gin.Context, schema string) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	if h.checker == nil {
		return body, true
	}
	result := h.checker.Validate(schema, body)
	if !result.Valid {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid payload",
			"status":  http.StatusBadRequest,
			"details": result.Errors,
		})
		return nil, false
	}
	return body, true
}

func (h *Handler) menuLinkURL(id string) string {
	base := backend.JoinURL(h.opts.APIBaseURL, "menu-links")
	if id == "" {
		return base
	}
	return base + "/" + url.PathEscape(id)
}

// ListMenuLinks proxies GET /menu-links.
func (h *Handler) ListMenuLinks(c *gin.Context) {
	h.forward(c, targetAPI, http.MethodGet, h.menuLinkURL(""), nil)
}

// GetMenuLink proxies GET /menu-links/:id.
func (h *Handler) GetMenuLink(c *gin.Context) {
	h.forward(c, targetAPI, http.MethodGet, h.menuLinkURL(c.Param("id")), nil)
}

// CreateMenuLink validates and proxies POST /menu-links.
func (h *Handler) CreateMenuLink(c *gin.Context) {
	body, ok := h.validatedBody(c, validator.SchemaMenuLink)
	if !ok {
		return
	}
	h.forward(c, targetAPI, http.MethodPost, h.menuLinkURL(""), body)
}

// UpdateMenuLink validates and proxies PUT /menu-links/:id.
func (h *Handler) UpdateMenuLink(c *gin.Context) {
	body, ok := h.validatedBody(c, validator.SchemaMenuLink)
	if !ok {
		return
	}
	h.forward(c, targetAPI, http.MethodPut, h.menuLinkURL(c.Param("id")), body)
}

// DeleteMenuLink proxies DELETE /menu-links/:id.
func (h *Handler) DeleteMenuLink(c *gin.Context) {
	h.forward(c, targetAPI, http.MethodDelete, h.menuLinkURL(c.Param("id")), nil)
}

// Compare proxies POST /compare to the API service's JSON comparison.
func (h *Handler) Compare(c *gin.Context) {
	body, ok := h.validatedBody(c, validator.SchemaCompare)
	if !ok {
		return
	}
	h.forward(c, targetAPI, http.MethodPost, backend.JoinURL(h.opts.APIBaseURL, "compare"), body)
}

// RAGQuery proxies POST /rag/query to the MCP client.
func (h *Handler) RAGQuery(c *gin.Context) {
	body, ok := h.validatedBody(c, validator.SchemaRAGQuery)
	if !ok {
		return
	}
	h.forward(c, targetMCP, http.MethodPost, backend.JoinURL(h.opts.MCPClientURL, "query"), body)
}

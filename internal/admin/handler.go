// Package admin implements the REST-style JSON Admin API over mirrors,
// probing, and traffic stats, following the Handler/RegisterRoutes shape
// the teacher uses for its accelerator routes (internal/accelerator/handler.go).
package admin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"cyp-registry-proxy/internal/credentials"
	"cyp-registry-proxy/internal/mirror"
	"cyp-registry-proxy/internal/model"
	"cyp-registry-proxy/internal/prober"
	"cyp-registry-proxy/internal/store"
)

// Handler serves the Admin API.
type Handler struct {
	registry *mirror.Registry
	prober   *prober.Prober
	store    *store.Store
	cipher   *credentials.Cipher
}

// New constructs a Handler.
func New(reg *mirror.Registry, p *prober.Prober, st *store.Store, cipher *credentials.Cipher) *Handler {
	return &Handler{registry: reg, prober: p, store: st, cipher: cipher}
}

// RegisterRoutes registers the Admin API under group.
func (h *Handler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/mirrors", h.listMirrors)
	group.POST("/mirrors", h.createMirror)
	group.PATCH("/mirrors/:id", h.updateMirror)
	group.DELETE("/mirrors/:id", h.deleteMirror)
	group.POST("/mirrors/:id/toggle", h.toggleMirror)

	group.POST("/probe", h.triggerProbe)
	group.POST("/scrape", h.triggerScrape)
	group.GET("/stats", h.stats)
	group.GET("/history", h.history)
	group.GET("/search", h.search)
}

// mirrorView is the Mirror shape returned to clients: credentials are never
// serialized in cleartext or ciphertext.
type mirrorView struct {
	ID                  int64         `json:"id"`
	Prefix              string        `json:"prefix"`
	UpstreamURL         string        `json:"upstream_url"`
	UpstreamHost        string        `json:"upstream_host"`
	AuthKind            model.AuthKind `json:"auth_kind"`
	AuthUser            string        `json:"auth_user,omitempty"`
	Enabled             bool          `json:"enabled"`
	Health              model.Health  `json:"health"`
	LatencyMs           int64         `json:"latency_ms"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

func toView(m *model.Mirror) mirrorView {
	return mirrorView{
		ID: m.ID, Prefix: m.Prefix, UpstreamURL: m.UpstreamURL, UpstreamHost: m.UpstreamHost,
		AuthKind: m.AuthKind, AuthUser: m.AuthUser, Enabled: m.Enabled, Health: m.Health,
		LatencyMs: m.LatencyMs, ConsecutiveFailures: m.ConsecutiveFailures,
	}
}

func (h *Handler) listMirrors(c *gin.Context) {
	mirrors := h.registry.List()
	views := make([]mirrorView, 0, len(mirrors))
	for _, m := range mirrors {
		views = append(views, toView(m))
	}
	c.JSON(http.StatusOK, views)
}

type createMirrorRequest struct {
	Prefix       string `json:"prefix" binding:"required"`
	UpstreamURL  string `json:"upstream_url" binding:"required"`
	UpstreamHost string `json:"upstream_host"`
	Auth         *struct {
		Kind     model.AuthKind `json:"kind"`
		User     string         `json:"user"`
		Password string         `json:"password"`
	} `json:"auth"`
}

func (h *Handler) createMirror(c *gin.Context) {
	var req createMirrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m := &model.Mirror{
		Prefix:       req.Prefix,
		UpstreamURL:  req.UpstreamURL,
		UpstreamHost: req.UpstreamHost,
		Enabled:      true,
	}
	if req.Auth != nil {
		m.AuthKind = req.Auth.Kind
		m.AuthUser = req.Auth.User
		if req.Auth.Password != "" {
			enc, err := h.cipher.Encrypt(req.Auth.Password)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			m.AuthPassEncrypted = enc
		}
	} else {
		m.AuthKind = model.AuthNone
	}

	created, err := h.registry.Create(m)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, toView(created))
}

type updateMirrorRequest struct {
	Prefix       *string `json:"prefix"`
	UpstreamURL  *string `json:"upstream_url"`
	UpstreamHost *string `json:"upstream_host"`
	Enabled      *bool   `json:"enabled"`
	Auth         *struct {
		Kind     model.AuthKind `json:"kind"`
		User     string         `json:"user"`
		Password string         `json:"password"`
	} `json:"auth"`
}

func (h *Handler) updateMirror(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var req updateMirrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updated, err := h.registry.Update(id, func(m *model.Mirror) {
		if req.Prefix != nil {
			m.Prefix = *req.Prefix
		}
		if req.UpstreamURL != nil {
			m.UpstreamURL = *req.UpstreamURL
		}
		if req.UpstreamHost != nil {
			m.UpstreamHost = *req.UpstreamHost
		}
		if req.Enabled != nil {
			m.Enabled = *req.Enabled
		}
		if req.Auth != nil {
			m.AuthKind = req.Auth.Kind
			m.AuthUser = req.Auth.User
			if req.Auth.Password != "" {
				if enc, err := h.cipher.Encrypt(req.Auth.Password); err == nil {
					m.AuthPassEncrypted = enc
				}
			}
		}
	})
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "mirror not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toView(updated))
}

func (h *Handler) deleteMirror(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	if err := h.registry.Delete(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) toggleMirror(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	updated, err := h.registry.Toggle(id)
	if err != nil {
		if err == store.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "mirror not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toView(updated))
}

func (h *Handler) triggerProbe(c *gin.Context) {
	h.prober.TriggerAll()
	c.Status(http.StatusAccepted)
}

// triggerScrape acknowledges an external catalog-scrape request without
// performing one: the scraper itself is out of this service's core scope.
func (h *Handler) triggerScrape(c *gin.Context) {
	c.Status(http.StatusAccepted)
}

func (h *Handler) stats(c *gin.Context) {
	st, err := h.store.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handler) history(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := h.store.ListTraffic(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}

// search is a stub: proxying to Docker Hub's search API is out of this
// service's core scope.
func (h *Handler) search(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"query": c.Query("q"), "results": []any{}})
}

func parseID(c *gin.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}

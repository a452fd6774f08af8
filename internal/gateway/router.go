package gateway

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cyp-registry-proxy/internal/admin"
	"cyp-registry-proxy/internal/proxyengine"
	"cyp-registry-proxy/internal/proxyerr"
	"cyp-registry-proxy/internal/version"
	"cyp-registry-proxy/pkg/metrics"
)

// Router wires the v2 proxy surface, the Admin API, and the ambient
// operational endpoints (/health, /metrics, /api/version) onto one gin
// engine.
type Router struct {
	engine  *gin.Engine
	proxy   *proxyengine.Engine
	admin   *admin.Handler
	metrics *metrics.Metrics
	log     *zap.Logger
	ready   func() bool
}

// New constructs a Router. adminBasePath is the configurable mount point
// for the Admin API (default "/api"); ready reports whether startup
// (store open, registry loaded) has completed, for GET /health.
func New(proxy *proxyengine.Engine, adminHandler *admin.Handler, m *metrics.Metrics, log *zap.Logger, adminBasePath string, ready func() bool) *Router {
	InitLogger(log)

	engine := gin.New()
	engine.Use(LoggingMiddleware(), ErrorHandlingMiddleware(), CORSMiddleware())

	r := &Router{engine: engine, proxy: proxy, admin: adminHandler, metrics: m, log: log, ready: ready}
	r.setupRoutes(adminBasePath)
	return r
}

// Engine returns the underlying gin engine, for http.Server.Handler.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

func (r *Router) setupRoutes(adminBasePath string) {
	r.engine.GET("/health", r.healthHandler)
	r.engine.GET("/metrics", gin.WrapH(r.metrics.Handler()))
	r.engine.GET("/api/version", r.versionHandler)

	v2 := r.engine.Group("/v2")
	v2.Any("/*path", r.v2Handler)

	adminGroup := r.engine.Group(adminBasePath)
	r.admin.RegisterRoutes(adminGroup)

	// Legacy convenience: /<name>[:<tag>] normalizes to a manifest path.
	r.engine.NoRoute(r.legacyOrNotFound)
}

func (r *Router) healthHandler(c *gin.Context) {
	if r.ready != nil && !r.ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (r *Router) versionHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":    version.GetVersion(),
		"build_time": version.BuildTime,
		"commit":     version.GitCommit,
	})
}

func (r *Router) legacyOrNotFound(c *gin.Context) {
	if normalized, ok := proxyengine.NormalizeLegacyPath(c.Request.URL.Path); ok {
		c.Request.URL.Path = normalized
		r.v2Handler(c)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
}

// v2Handler forwards every /v2/... request through the proxy engine and
// streams the upstream response back to the client.
func (r *Router) v2Handler(c *gin.Context) {
	start := time.Now()
	req := &proxyengine.Request{
		Ctx:        c.Request.Context(),
		Method:     c.Request.Method,
		Path:       c.Request.URL.Path,
		RawQuery:   c.Request.URL.RawQuery,
		Header:     c.Request.Header,
		Body:       c.Request.Body,
		ContentLen: c.Request.ContentLength,
		ClientIP:   c.ClientIP(),
	}

	result, err := r.proxy.Serve(req)
	if err != nil {
		r.writeError(c, req, start, err)
		return
	}
	defer result.Body.Close()

	proxyengine.CopyHeaders(c.Writer.Header(), result.Header)
	c.Status(result.StatusCode)

	counting := &proxyengine.CountingReader{ReadCloser: result.Body}
	_, copyErr := io.Copy(c.Writer, counting)

	outcome := ""
	if copyErr != nil || c.Request.Context().Err() != nil {
		outcome = "client-abort"
	}
	r.proxy.RecordOutcome(req, result.MirrorID, result.StatusCode, counting.N, start, outcome, result.ImageRef)
}

func (r *Router) writeError(c *gin.Context, req *proxyengine.Request, start time.Time, err error) {
	kind := proxyerr.InternalError
	if pe, ok := err.(*proxyerr.Error); ok {
		kind = pe.Kind
	}
	r.proxy.RecordOutcome(req, 0, kind.HTTPStatus(), 0, start, "error", proxyengine.ImageRef(req.Path))
	c.JSON(kind.HTTPStatus(), gin.H{"error": kind.Message()})
}

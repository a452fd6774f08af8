// Package proxyengine implements the registry-aware reverse proxy: prefix
// extraction, upstream selection and failover, the bearer/basic auth
// handshake, and transparent body streaming. Its shape (one pooled
// *http.Client per upstream, streamed io.Copy, explicit hop-by-hop header
// stripping) follows the teacher's accelerator.ProxyService
// (internal/accelerator/proxy.go), generalized from a single priority list
// of upstreams to per-prefix selection with failover and real auth.
package proxyengine

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"cyp-registry-proxy/internal/credentials"
	"cyp-registry-proxy/internal/mirror"
	"cyp-registry-proxy/internal/model"
	"cyp-registry-proxy/internal/proxyerr"
	"cyp-registry-proxy/internal/tokenbroker"
	"cyp-registry-proxy/internal/traffic"
	"cyp-registry-proxy/pkg/metrics"
)

// DefaultPrefix is the mirror prefix used when the request's first path
// segment matches no configured mirror.
const DefaultPrefix = "dockerhub"

const maxBlobRedirects = 5

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Engine forwards client requests to the selected mirror and streams the
// response back without buffering.
type Engine struct {
	registry *mirror.Registry
	tokens   *tokenbroker.Broker
	cipher   *credentials.Cipher
	recorder *traffic.Recorder
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu      sync.Mutex
	clients map[int64]*http.Client
}

// New constructs an Engine.
func New(reg *mirror.Registry, tokens *tokenbroker.Broker, cipher *credentials.Cipher, rec *traffic.Recorder, m *metrics.Metrics, log *zap.Logger) *Engine {
	return &Engine{
		registry: reg,
		tokens:   tokens,
		cipher:   cipher,
		recorder: rec,
		metrics:  m,
		log:      log,
		clients:  make(map[int64]*http.Client),
	}
}

// clientFor returns the pooled *http.Client for a mirror, constructing it
// once at first use and reusing it across requests.
func (e *Engine) clientFor(m *model.Mirror, followRedirects bool) *http.Client {
	e.mu.Lock()
	base, ok := e.clients[m.ID]
	if !ok {
		transport := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 5 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: 10 * time.Second,
			IdleConnTimeout:       60 * time.Second,
			MaxIdleConnsPerHost:   32,
			MaxConnsPerHost:       256,
		}
		base = &http.Client{Transport: transport}
		e.clients[m.ID] = base
	}
	e.mu.Unlock()

	if followRedirects {
		c := *base
		c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) > maxBlobRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		}
		return &c
	}
	c := *base
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &c
}

// Prefix is the parsed result of splitting a /v2/... path.
type Prefix struct {
	Name         string // mirror prefix to select ("dockerhub" if unmatched)
	UpstreamPath string // the /v2/... path forwarded to the upstream
}

// ParsePrefix inspects the first path segment after /v2/ against the set of
// configured prefixes and strips it; requests whose first segment matches no
// mirror fall back to DefaultPrefix with the path forwarded unchanged
// (beyond Docker Hub's library/ shortcut).
func ParsePrefix(reg *mirror.Registry, path string) Prefix {
	rest := strings.TrimPrefix(path, "/v2/")
	segments := strings.SplitN(rest, "/", 2)
	first := segments[0]

	known := make(map[string]bool)
	for _, m := range reg.List() {
		known[m.Prefix] = true
	}

	if known[first] {
		remainder := ""
		if len(segments) == 2 {
			remainder = segments[1]
		}
		return Prefix{Name: first, UpstreamPath: "/v2/" + remainder}
	}

	name := rest
	if DefaultPrefix == "dockerhub" && !strings.Contains(firstImageSegment(rest), "/") {
		name = injectLibrary(rest)
	}
	return Prefix{Name: DefaultPrefix, UpstreamPath: "/v2/" + name}
}

// firstImageSegment returns the image-name portion of an upstream-bound
// /v2/<name>/... path, i.e. everything before /manifests|/tags|/blobs.
func firstImageSegment(rest string) string {
	for _, marker := range []string{"/manifests/", "/tags/list", "/blobs/"} {
		if idx := strings.Index(rest, marker); idx >= 0 {
			return rest[:idx]
		}
	}
	return rest
}

// injectLibrary inserts "library/" before a bare (no-namespace) image name,
// matching Docker Hub's implicit official-image namespace.
func injectLibrary(rest string) string {
	name := firstImageSegment(rest)
	if strings.Contains(name, "/") {
		return rest
	}
	return "library/" + rest
}

// NormalizeLegacyPath rewrites the compatibility shim `/<name>[:<tag>]`
// (no /v2/ prefix) into the corresponding manifest path, e.g.
// "/nginx:1.25" -> "/v2/nginx/manifests/1.25".
func NormalizeLegacyPath(path string) (string, bool) {
	if path == "" || path == "/" || strings.HasPrefix(path, "/v2/") || strings.HasPrefix(path, "/v2") {
		return "", false
	}
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" || strings.Contains(trimmed, "..") {
		return "", false
	}
	name, ref := trimmed, "latest"
	if idx := strings.LastIndex(trimmed, ":"); idx >= 0 && !strings.Contains(trimmed[idx:], "/") {
		name, ref = trimmed[:idx], trimmed[idx+1:]
	}
	return "/v2/" + name + "/manifests/" + ref, true
}

func isBlobGet(method, upstreamPath string) bool {
	return method == http.MethodGet && strings.Contains(upstreamPath, "/blobs/") && !strings.Contains(upstreamPath, "/blobs/uploads/")
}

// ImageRef derives the image_ref traffic-log field ("name:tag" or
// "name@digest") from the upstream-bound path of a manifest or tags
// request. It returns "" for requests that carry no single image identity
// (catalog listing, blob pulls, discovery ping).
func ImageRef(upstreamPath string) string {
	rest := strings.TrimPrefix(upstreamPath, "/v2/")
	if idx := strings.Index(rest, "/manifests/"); idx >= 0 {
		name := rest[:idx]
		ref := rest[idx+len("/manifests/"):]
		if strings.HasPrefix(ref, "sha256:") {
			return name + "@" + ref
		}
		return name + ":" + ref
	}
	if idx := strings.Index(rest, "/tags/list"); idx >= 0 {
		return rest[:idx]
	}
	return ""
}

// Request is everything the Engine needs from the inbound HTTP request,
// decoupled from gin/net-http so tests can drive it directly.
type Request struct {
	Ctx        context.Context
	Method     string
	Path       string // full inbound path, e.g. /v2/nginx/manifests/latest
	RawQuery   string // e.g. "digest=sha256:..." on an upload finalize PUT, "n=&last=" on tags/list
	Header     http.Header
	Body       io.ReadCloser
	ContentLen int64
	ClientIP   string
}

// Result is what the Engine produced: the response to relay, plus
// accounting fields for the traffic recorder.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	MirrorID   int64
	ImageRef   string
}

// Serve resolves the mirror for req, forwards it (with failover before any
// response bytes are sent and the auth handshake baked in), and returns the
// upstream response for the caller to stream to the client. The caller is
// responsible for closing Result.Body and for calling RecordOutcome once
// streaming finishes.
func (e *Engine) Serve(req *Request) (*Result, error) {
	if req.Path == "/v2/" || req.Path == "/v2" {
		return &Result{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Docker-Distribution-API-Version": {"registry/2.0"}, "Content-Type": {"application/json"}},
			Body:       io.NopCloser(strings.NewReader("{}")),
		}, nil
	}

	p := ParsePrefix(e.registry, req.Path)
	tried := make(map[int64]bool)

	for {
		m, err := e.registry.Failover(p.Name, tried)
		if err != nil {
			if len(tried) > 0 {
				return nil, proxyerr.New(proxyerr.UpstreamUnavailable, err)
			}
			return nil, err
		}
		tried[m.ID] = true

		resp, started, err := e.attempt(req, m, p.UpstreamPath)
		if err == nil {
			return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body, MirrorID: m.ID, ImageRef: ImageRef(p.UpstreamPath)}, nil
		}
		if started {
			return nil, proxyerr.New(proxyerr.UpstreamMidStream, err)
		}
		e.log.Warn("proxyengine: upstream attempt failed, trying next mirror",
			zap.Int64("mirror_id", m.ID), zap.String("prefix", p.Name), zap.Error(err))
	}
}

// attempt forwards req to a single mirror, including the auth handshake.
// started reports whether any response headers were received from the
// upstream with a body reader handed back to the caller; once true, the
// caller must not retry on a different mirror.
func (e *Engine) attempt(req *Request, m *model.Mirror, upstreamPath string) (*http.Response, bool, error) {
	followRedirects := isBlobGet(req.Method, upstreamPath)
	client := e.clientFor(m, followRedirects)

	resp, err := e.forward(req, m, upstreamPath, client, "")
	if err != nil {
		return nil, false, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		wwwAuth := resp.Header.Get("Www-Authenticate")
		challenge, ok := tokenbroker.ParseChallenge(wwwAuth)
		resp.Body.Close()
		basicRetry := m.AuthKind == model.AuthBasic && strings.HasPrefix(wwwAuth, "Basic")
		if !ok && !basicRetry {
			return nil, false, fmt.Errorf("upstream 401 without a parseable challenge")
		}
		authHeader, err := e.buildAuthHeader(m, challenge)
		if err != nil {
			return nil, false, err
		}
		resp, err = e.forward(req, m, upstreamPath, client, authHeader)
		if err != nil {
			return nil, false, err
		}
	}

	if resp.StatusCode >= 500 {
		resp.Body.Close()
		return nil, false, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}

	return resp, true, nil
}

func (e *Engine) buildAuthHeader(m *model.Mirror, c tokenbroker.Challenge) (string, error) {
	switch m.AuthKind {
	case model.AuthBasic:
		pass, err := e.cipher.Decrypt(m.AuthPassEncrypted)
		if err != nil {
			return "", proxyerr.New(proxyerr.AuthFailure, err)
		}
		return "Basic " + basicAuthValue(m.AuthUser, pass), nil
	case model.AuthBearerDelegate, model.AuthNone:
		token, err := e.tokens.Token(m.ID, c)
		if err != nil {
			return "", err
		}
		return "Bearer " + token, nil
	default:
		return "", nil
	}
}

func basicAuthValue(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

func (e *Engine) forward(req *Request, m *model.Mirror, upstreamPath string, client *http.Client, authHeader string) (*http.Response, error) {
	target, err := url.Parse(m.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url for mirror %d: %w", m.ID, err)
	}
	target.Path = upstreamPath
	target.RawQuery = req.RawQuery

	outReq, err := http.NewRequestWithContext(req.Ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	outReq.ContentLength = req.ContentLen

	for k, vv := range req.Header {
		if isHopByHop(k) || strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vv {
			outReq.Header.Add(k, v)
		}
	}
	host := m.UpstreamHost
	if host == "" {
		host = target.Host
	}
	outReq.Host = host

	if authHeader != "" {
		outReq.Header.Set("Authorization", authHeader)
	}

	return client.Do(outReq)
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return strings.HasPrefix(strings.ToLower(header), "proxy-")
}

// CopyHeaders copies upstream response headers to dst, skipping hop-by-hop
// headers and Set-Cookie.
func CopyHeaders(dst http.Header, src http.Header) {
	for k, vv := range src {
		if isHopByHop(k) || strings.EqualFold(k, "Set-Cookie") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// CountingReader wraps an io.ReadCloser and tracks bytes read, so the
// caller can emit an accurate bytes_out even on a mid-stream abort.
type CountingReader struct {
	io.ReadCloser
	N int64
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.N += int64(n)
	return n, err
}

// RecordOutcome builds and enqueues the traffic record for one completed
// (or aborted) request.
func (e *Engine) RecordOutcome(req *Request, mirrorID int64, upstreamStatus int, bytesOut int64, start time.Time, outcome, imageRef string) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(&model.TrafficRecord{
		Timestamp:      time.Now(),
		ClientIP:       req.ClientIP,
		Method:         req.Method,
		Path:           req.Path,
		MirrorID:       mirrorID,
		UpstreamStatus: upstreamStatus,
		BytesOut:       bytesOut,
		DurationMs:     time.Since(start).Milliseconds(),
		Outcome:        outcome,
		ImageRef:       imageRef,
	})
	if e.metrics != nil {
		e.metrics.RequestsTotal.WithLabelValues(req.Method, strconv.Itoa(upstreamStatus), strconv.FormatInt(mirrorID, 10)).Inc()
		e.metrics.BytesTransferred.WithLabelValues(strconv.FormatInt(mirrorID, 10)).Add(float64(bytesOut))
	}
}

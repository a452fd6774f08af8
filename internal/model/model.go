// Package model defines the data types shared across the mirror registry,
// proxy engine, and admin API.
package model

import "time"

// Health is the circuit-breaker state of a Mirror.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// AuthKind selects how the proxy authenticates to a Mirror's upstream.
type AuthKind string

const (
	AuthNone           AuthKind = "none"
	AuthBasic          AuthKind = "basic"
	AuthBearerDelegate AuthKind = "bearer-delegated"
)

// Mirror is a configured upstream registry.
type Mirror struct {
	ID                  int64     `json:"id"`
	Prefix              string    `json:"prefix"`
	UpstreamURL         string    `json:"upstream_url"`
	UpstreamHost        string    `json:"upstream_host"`
	AuthKind            AuthKind  `json:"auth_kind"`
	AuthUser            string    `json:"auth_user,omitempty"`
	AuthPassEncrypted   string    `json:"-"`
	Enabled             bool      `json:"enabled"`
	Health              Health    `json:"health"`
	LatencyMs           int64     `json:"latency_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastProbeAt         time.Time `json:"last_probe_at,omitempty"`
}

// Selectable reports whether the mirror can currently be chosen by the
// Upstream Selector under the default only_enabled_healthy policy.
func (m Mirror) Selectable() bool {
	return m.Enabled && m.Health == HealthHealthy
}

// TrafficRecord is an immutable record of one proxied request, written by
// the Traffic Recorder once the response stream has completed or aborted.
type TrafficRecord struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"ts"`
	ClientIP       string    `json:"client_ip"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	MirrorID       int64     `json:"mirror_id"`
	UpstreamStatus int       `json:"upstream_status"`
	BytesOut       int64     `json:"bytes_out"`
	DurationMs     int64     `json:"duration_ms"`
	ImageRef       string    `json:"image_ref,omitempty"`
	Outcome        string    `json:"outcome,omitempty"` // "", "client-abort"
}

// Stats is the aggregate view returned by GET /stats.
type Stats struct {
	TotalRequests int64             `json:"total_requests"`
	TotalBytes    int64             `json:"total_bytes"`
	PerMirror     []MirrorTrafficSt `json:"per_mirror"`
}

// MirrorTrafficSt is one row of the per-mirror breakdown in Stats.
type MirrorTrafficSt struct {
	ID       int64 `json:"id"`
	Requests int64 `json:"requests"`
	Bytes    int64 `json:"bytes"`
}

package store

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"cyp-registry-proxy/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(dbPath, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateAndGetMirror(t *testing.T) {
	st := newTestStore(t)

	m := &model.Mirror{
		Prefix:      "dockerhub",
		UpstreamURL: "https://registry-1.docker.io",
		Enabled:     true,
		AuthKind:    model.AuthNone,
	}
	id, err := st.CreateMirror(m)
	if err != nil {
		t.Fatalf("create mirror: %v", err)
	}

	got, err := st.GetMirror(id)
	if err != nil {
		t.Fatalf("get mirror: %v", err)
	}
	if got.Prefix != "dockerhub" || got.UpstreamURL != "https://registry-1.docker.io" {
		t.Fatalf("unexpected mirror: %+v", got)
	}
	if got.Health != model.HealthUnknown {
		t.Fatalf("expected unknown health by default, got %v", got.Health)
	}
}

func TestGetMirrorNotFound(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.GetMirror(999); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateMirrorHealthDoesNotTouchConfigFields(t *testing.T) {
	st := newTestStore(t)
	m := &model.Mirror{Prefix: "dockerhub", UpstreamURL: "https://a.example", Enabled: true}
	id, err := st.CreateMirror(m)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := st.UpdateMirrorHealth(id, model.HealthHealthy, 42, 0, time.Now()); err != nil {
		t.Fatalf("update health: %v", err)
	}

	got, err := st.GetMirror(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Health != model.HealthHealthy || got.LatencyMs != 42 {
		t.Fatalf("health fields not applied: %+v", got)
	}
	if got.UpstreamURL != "https://a.example" {
		t.Fatalf("config field clobbered: %+v", got)
	}
}

func TestListMirrorsByPrefix(t *testing.T) {
	st := newTestStore(t)
	for _, p := range []string{"dockerhub", "dockerhub", "ghcr"} {
		if _, err := st.CreateMirror(&model.Mirror{Prefix: p, UpstreamURL: "https://x", Enabled: true}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	got, err := st.ListMirrorsByPrefix("dockerhub")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 dockerhub mirrors, got %d", len(got))
	}
}

func TestDeleteMirror(t *testing.T) {
	st := newTestStore(t)
	id, err := st.CreateMirror(&model.Mirror{Prefix: "dockerhub", UpstreamURL: "https://x", Enabled: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.DeleteMirror(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.DeleteMirror(id); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestTrafficInsertAndStats(t *testing.T) {
	st := newTestStore(t)
	id, err := st.CreateMirror(&model.Mirror{Prefix: "dockerhub", UpstreamURL: "https://x", Enabled: true})
	if err != nil {
		t.Fatalf("create mirror: %v", err)
	}

	records := []*model.TrafficRecord{
		{Timestamp: time.Now(), Method: "GET", Path: "/v2/nginx/manifests/latest", MirrorID: id, UpstreamStatus: 200, BytesOut: 100},
		{Timestamp: time.Now(), Method: "GET", Path: "/v2/nginx/blobs/sha256:abc", MirrorID: id, UpstreamStatus: 200, BytesOut: 900},
	}
	if err := st.InsertTrafficBatch(records); err != nil {
		t.Fatalf("insert batch: %v", err)
	}

	stats, err := st.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalRequests != 2 || stats.TotalBytes != 1000 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.PerMirror) != 1 || stats.PerMirror[0].Bytes != 1000 {
		t.Fatalf("unexpected per-mirror stats: %+v", stats.PerMirror)
	}

	history, err := st.ListTraffic(10)
	if err != nil {
		t.Fatalf("list traffic: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history rows, got %d", len(history))
	}
}

package mirror

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"cyp-registry-proxy/internal/model"
	"cyp-registry-proxy/internal/proxyerr"
	"cyp-registry-proxy/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg, err := New(st, zap.NewNop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg, st
}

func mustCreate(t *testing.T, reg *Registry, m *model.Mirror) *model.Mirror {
	t.Helper()
	created, err := reg.Create(m)
	if err != nil {
		t.Fatalf("create mirror: %v", err)
	}
	return created
}

func TestSelectPicksLowestLatencyHealthyMirror(t *testing.T) {
	reg, _ := newTestRegistry(t)

	a := mustCreate(t, reg, &model.Mirror{Prefix: "dockerhub", UpstreamURL: "https://a", Enabled: true})
	b := mustCreate(t, reg, &model.Mirror{Prefix: "dockerhub", UpstreamURL: "https://b", Enabled: true})

	if err := reg.UpdateHealth(a.ID, model.HealthHealthy, 50, 0, time.Now()); err != nil {
		t.Fatalf("update health a: %v", err)
	}
	if err := reg.UpdateHealth(b.ID, model.HealthHealthy, 20, 0, time.Now()); err != nil {
		t.Fatalf("update health b: %v", err)
	}

	selected, err := reg.Select("dockerhub")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if selected.ID != b.ID {
		t.Fatalf("expected mirror b (lower latency), got %d", selected.ID)
	}
}

func TestSelectSkipsUnhealthyAndDisabled(t *testing.T) {
	reg, _ := newTestRegistry(t)

	unhealthy := mustCreate(t, reg, &model.Mirror{Prefix: "dockerhub", UpstreamURL: "https://a", Enabled: true})
	disabled := mustCreate(t, reg, &model.Mirror{Prefix: "dockerhub", UpstreamURL: "https://b", Enabled: false})
	healthy := mustCreate(t, reg, &model.Mirror{Prefix: "dockerhub", UpstreamURL: "https://c", Enabled: true})

	if err := reg.UpdateHealth(unhealthy.ID, model.HealthUnhealthy, 10, 3, time.Now()); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := reg.UpdateHealth(disabled.ID, model.HealthHealthy, 5, 0, time.Now()); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := reg.UpdateHealth(healthy.ID, model.HealthHealthy, 99, 0, time.Now()); err != nil {
		t.Fatalf("update: %v", err)
	}

	selected, err := reg.Select("dockerhub")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if selected.ID != healthy.ID {
		t.Fatalf("expected the only selectable mirror, got %d", selected.ID)
	}
}

func TestSelectNoUpstream(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Select("dockerhub")
	if err == nil {
		t.Fatal("expected an error when no mirror is configured")
	}
	pe, ok := err.(*proxyerr.Error)
	if !ok || pe.Kind != proxyerr.NoUpstream {
		t.Fatalf("expected NoUpstream, got %v", err)
	}
}

func TestFailoverExcludesTriedMirrors(t *testing.T) {
	reg, _ := newTestRegistry(t)

	a := mustCreate(t, reg, &model.Mirror{Prefix: "dockerhub", UpstreamURL: "https://a", Enabled: true})
	b := mustCreate(t, reg, &model.Mirror{Prefix: "dockerhub", UpstreamURL: "https://b", Enabled: true})
	if err := reg.UpdateHealth(a.ID, model.HealthHealthy, 10, 0, time.Now()); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := reg.UpdateHealth(b.ID, model.HealthHealthy, 20, 0, time.Now()); err != nil {
		t.Fatalf("update: %v", err)
	}

	next, err := reg.Failover("dockerhub", map[int64]bool{a.ID: true})
	if err != nil {
		t.Fatalf("failover: %v", err)
	}
	if next.ID != b.ID {
		t.Fatalf("expected mirror b after excluding a, got %d", next.ID)
	}

	_, err = reg.Failover("dockerhub", map[int64]bool{a.ID: true, b.ID: true})
	if err == nil {
		t.Fatal("expected NoUpstream once every mirror is excluded")
	}
}

func TestToggleFlipsEnabled(t *testing.T) {
	reg, _ := newTestRegistry(t)
	m := mustCreate(t, reg, &model.Mirror{Prefix: "dockerhub", UpstreamURL: "https://a", Enabled: true})

	first, err := reg.Toggle(m.ID)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if first.Enabled {
		t.Fatal("expected mirror to be disabled after toggle")
	}

	second, err := reg.Toggle(m.ID)
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !second.Enabled {
		t.Fatal("expected mirror to be enabled after second toggle")
	}
}

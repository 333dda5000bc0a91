package plexadapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/snapetech/plexdlnabridge/internal/plexapi"
)

// putRecorder captures the path+query of each PUT a fixture plex.tv server
// receives, so tests can assert on which token ended up attached.
type putRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (p *putRecorder) record(rawQuery string) {
	p.mu.Lock()
	p.calls = append(p.calls, rawQuery)
	p.mu.Unlock()
}

func (p *putRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *putRecorder) last() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return ""
	}
	return p.calls[len(p.calls)-1]
}

func withPlexTVFixture(t *testing.T, rec *putRecorder) func() {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r.URL.RawQuery)
		w.WriteHeader(http.StatusNoContent)
	}))
	restoreBaseURL := plexapi.SetBaseURLForTesting(srv.URL)
	return func() {
		restoreBaseURL()
		srv.Close()
	}
}

func TestRefreshPlexTVConnection_noHostIPIsNoOp(t *testing.T) {
	a, _, _, srv := buildAdapter(t)
	defer srv.Close()
	rec := &putRecorder{}
	cleanup := withPlexTVFixture(t, rec)
	defer cleanup()

	err := a.RefreshPlexTVConnection(context.Background(), http.DefaultClient, plexapi.Identity{UUID: "dev-1"}, "", 32500, nil)
	if err != nil {
		t.Fatalf("RefreshPlexTVConnection: %v", err)
	}
	if rec.count() != 0 {
		t.Errorf("expected no PUT with an empty hostIP, got %d", rec.count())
	}
}

func TestRefreshPlexTVConnection_noTokenAndNoLookupIsNoOp(t *testing.T) {
	a, _, _, srv := buildAdapter(t)
	defer srv.Close()
	rec := &putRecorder{}
	cleanup := withPlexTVFixture(t, rec)
	defer cleanup()

	err := a.RefreshPlexTVConnection(context.Background(), http.DefaultClient, plexapi.Identity{UUID: "dev-1"}, "192.168.1.5", 32500, nil)
	if err != nil {
		t.Fatalf("RefreshPlexTVConnection: %v", err)
	}
	if rec.count() != 0 {
		t.Errorf("expected no PUT with no bound token and no lookup, got %d", rec.count())
	}
	if a.BindToken() != "" {
		t.Error("expected BindToken to remain empty")
	}
}

func TestRefreshPlexTVConnection_fallsBackToLookupAndBindsToken(t *testing.T) {
	a, _, _, srv := buildAdapter(t)
	defer srv.Close()
	rec := &putRecorder{}
	cleanup := withPlexTVFixture(t, rec)
	defer cleanup()

	lookups := 0
	lookup := func() string { lookups++; return "looked-up-token" }

	err := a.RefreshPlexTVConnection(context.Background(), http.DefaultClient, plexapi.Identity{UUID: "dev-1"}, "192.168.1.5", 32500, lookup)
	if err != nil {
		t.Fatalf("RefreshPlexTVConnection: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected one PUT, got %d", rec.count())
	}
	if a.BindToken() != "looked-up-token" {
		t.Errorf("BindToken() = %q, want looked-up-token", a.BindToken())
	}
	if lookups != 1 {
		t.Errorf("tokenLookup called %d times, want 1", lookups)
	}
}

func TestRefreshPlexTVConnection_reusesBoundTokenWithoutRelookup(t *testing.T) {
	a, _, _, srv := buildAdapter(t)
	defer srv.Close()
	rec := &putRecorder{}
	cleanup := withPlexTVFixture(t, rec)
	defer cleanup()
	a.SetBindToken("already-bound")

	lookups := 0
	lookup := func() string { lookups++; return "should-not-be-used" }

	err := a.RefreshPlexTVConnection(context.Background(), http.DefaultClient, plexapi.Identity{UUID: "dev-1"}, "192.168.1.5", 32500, lookup)
	if err != nil {
		t.Fatalf("RefreshPlexTVConnection: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected one PUT, got %d", rec.count())
	}
	if lookups != 0 {
		t.Errorf("tokenLookup called %d times, want 0 since a token was already bound", lookups)
	}
	if a.BindToken() != "already-bound" {
		t.Errorf("BindToken() = %q, want already-bound to remain unchanged", a.BindToken())
	}
}

func TestStartPlexTVNotifyLoop_runsImmediatelyAndStopsOnCancel(t *testing.T) {
	a, _, _, srv := buildAdapter(t)
	defer srv.Close()
	rec := &putRecorder{}
	cleanup := withPlexTVFixture(t, rec)
	defer cleanup()
	a.SetBindToken("tok")

	ctx, cancel := context.WithCancel(context.Background())
	a.StartPlexTVNotifyLoop(ctx, http.DefaultClient, plexapi.Identity{UUID: "dev-1"}, "192.168.1.5", 32500, nil)

	waitUntil(t, time.Second, func() bool { return rec.count() >= 1 })
	cancel()

	// Give any in-flight iteration a moment to observe cancellation, then
	// confirm no further PUTs arrive.
	time.Sleep(50 * time.Millisecond)
	countAfterCancel := rec.count()
	time.Sleep(100 * time.Millisecond)
	if rec.count() != countAfterCancel {
		t.Error("expected no further PUTs once the context was cancelled")
	}
}

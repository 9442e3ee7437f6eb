package cloudcontroller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListServersParsesHostAndFlavor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/servers/detail" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("X-Auth-Token"); got != "tok-123" {
			t.Fatalf("expected auth token to be forwarded, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"servers": []map[string]any{
				{
					"id":                   "vm-1",
					"status":               "ACTIVE",
					"flavor":               map[string]any{"id": "f1"},
					"OS-EXT-SRV-ATTR:host": "host-a",
				},
			},
		})
	}))
	defer srv.Close()

	c := NewNovaClient(srv.URL, "tok-123")
	servers, err := c.ListServers(context.Background())
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(servers) != 1 || servers[0].UUID != "vm-1" || servers[0].Hostname != "host-a" || servers[0].FlavorID != "f1" {
		t.Fatalf("unexpected servers: %+v", servers)
	}
}

func TestServersByHostFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"servers": []map[string]any{
				{"id": "vm-1", "flavor": map[string]any{"id": "f1"}, "OS-EXT-SRV-ATTR:host": "host-a"},
				{"id": "vm-2", "flavor": map[string]any{"id": "f1"}, "OS-EXT-SRV-ATTR:host": "host-b"},
			},
		})
	}))
	defer srv.Close()

	c := NewNovaClient(srv.URL, "tok")
	servers, err := c.ServersByHost(context.Background(), "host-b")
	if err != nil {
		t.Fatalf("ServersByHost: %v", err)
	}
	if len(servers) != 1 || servers[0].UUID != "vm-2" {
		t.Fatalf("expected only vm-2, got %+v", servers)
	}
}

func TestLiveMigrateSendsMigrateLiveAction(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/servers/vm-1/action" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewNovaClient(srv.URL, "tok")
	if err := c.LiveMigrate(context.Background(), "vm-1", "host-b"); err != nil {
		t.Fatalf("LiveMigrate: %v", err)
	}
	action, ok := body["os-migrateLive"].(map[string]any)
	if !ok || action["host"] != "host-b" {
		t.Fatalf("unexpected action body: %+v", body)
	}
}

func TestDoReturnsErrorOnNon2xxStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewNovaClient(srv.URL, "tok")
	if _, err := c.ListServers(context.Background()); err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewNovaClient(srv.URL, "tok")
	var lastErr error
	for i := 0; i < 10; i++ {
		_, lastErr = c.ListServers(context.Background())
	}
	if lastErr == nil {
		t.Fatal("expected failures against the always-500 server")
	}
	if !contains(lastErr.Error(), "circuit open") {
		t.Fatalf("expected the breaker to eventually trip, last error was: %v", lastErr)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

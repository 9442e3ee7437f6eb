package cloudcontroller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oriys/nova/internal/circuitbreaker"
)

// NovaClient is the production CloudController, talking to a Nova-compatible
// compute API over its JSON REST interface (the same surface the original
// python-novaclient wraps: /servers, /os-hosts, /flavors, and the
// os-migrateLive server action).
//
// No Go OpenStack SDK is available among the reference dependencies, so
// this client is a thin net/http wrapper rather than a generated client.
type NovaClient struct {
	baseURL string
	token   string
	hc      *http.Client
	breaker *circuitbreaker.Breaker
}

func NewNovaClient(baseURL, token string) *NovaClient {
	return &NovaClient{
		baseURL: baseURL,
		token:   token,
		hc:      &http.Client{Timeout: 30 * time.Second},
		breaker: circuitbreaker.New(circuitbreaker.Config{
			ErrorPct:       50,
			WindowDuration: 30 * time.Second,
			OpenDuration:   15 * time.Second,
			HalfOpenProbes: 1,
		}),
	}
}

func (c *NovaClient) do(ctx context.Context, method, path string, body, out any) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("nova: %s %s: circuit open", method, path)
	}
	err := c.doRequest(ctx, method, path, body, out)
	if err != nil {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}
	return err
}

func (c *NovaClient) doRequest(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Auth-Token", c.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("nova: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("nova: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type novaServer struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Flavor struct {
		ID string `json:"id"`
	} `json:"flavor"`
	Host string `json:"OS-EXT-SRV-ATTR:host"`
}

func (c *NovaClient) ListServers(ctx context.Context) ([]Server, error) {
	var out struct {
		Servers []novaServer `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/servers/detail", nil, &out); err != nil {
		return nil, err
	}
	servers := make([]Server, 0, len(out.Servers))
	for _, s := range out.Servers {
		servers = append(servers, Server{UUID: s.ID, Hostname: s.Host, FlavorID: s.Flavor.ID})
	}
	return servers, nil
}

func (c *NovaClient) ServersByHost(ctx context.Context, hostname string) ([]Server, error) {
	all, err := c.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	var out []Server
	for _, s := range all {
		if s.Hostname == hostname {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *NovaClient) FlavorRAMMB(ctx context.Context, flavorID string) (int64, error) {
	var out struct {
		Flavor struct {
			RAM int64 `json:"ram"`
		} `json:"flavor"`
	}
	if err := c.do(ctx, http.MethodGet, "/flavors/"+flavorID, nil, &out); err != nil {
		return 0, err
	}
	return out.Flavor.RAM, nil
}

func (c *NovaClient) HostUsedRAMMB(ctx context.Context, hostname string) (int64, error) {
	var out struct {
		HostResources []struct {
			Resource struct {
				Project  string `json:"project"`
				MemoryMB int64  `json:"memory_mb"`
			} `json:"resource"`
		} `json:"host"`
	}
	if err := c.do(ctx, http.MethodGet, "/os-hosts/"+hostname, nil, &out); err != nil {
		return 0, err
	}
	// Prefer the projected "(used_max)" row; fall back to "(used_now)".
	var usedNow, usedMax int64
	for _, r := range out.HostResources {
		switch r.Resource.Project {
		case "(used_now)":
			usedNow = r.Resource.MemoryMB
		case "(used_max)":
			usedMax = r.Resource.MemoryMB
		}
	}
	if usedMax != 0 {
		return usedMax, nil
	}
	return usedNow, nil
}

func (c *NovaClient) LiveMigrate(ctx context.Context, vmUUID, destHost string) error {
	body := map[string]any{
		"os-migrateLive": map[string]any{
			"host":             destHost,
			"block_migration":  false,
			"disk_over_commit": false,
		},
	}
	return c.do(ctx, http.MethodPost, "/servers/"+vmUUID+"/action", body, nil)
}

func (c *NovaClient) ServerStatus(ctx context.Context, vmUUID string) (string, error) {
	var out struct {
		Server novaServer `json:"server"`
	}
	if err := c.do(ctx, http.MethodGet, "/servers/"+vmUUID, nil, &out); err != nil {
		return "", err
	}
	return out.Server.Status, nil
}

var _ CloudController = (*NovaClient)(nil)

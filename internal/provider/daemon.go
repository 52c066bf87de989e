package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// VersionInfo is the body of the unit daemon's /version endpoint.
type VersionInfo struct {
	InterfaceVersion string `json:"interface_version"`
	Build            string `json:"build,omitempty"`
}

// DaemonClient probes the unit daemon running inside a unit.
type DaemonClient struct {
	http *http.Client
}

// NewDaemonClient creates a probe client with a per-request timeout.
func NewDaemonClient(timeout time.Duration) *DaemonClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DaemonClient{http: &http.Client{Timeout: timeout}}
}

// Health returns nil when GET baseURL/healthz answers 200.
func (d *DaemonClient) Health(ctx context.Context, baseURL string) error {
	resp, err := d.get(ctx, baseURL, "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Version returns the interface version reported by the daemon.
func (d *DaemonClient) Version(ctx context.Context, baseURL string) (string, error) {
	resp, err := d.get(ctx, baseURL, "/version")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("version returned HTTP %d", resp.StatusCode)
	}
	var info VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode version: %w", err)
	}
	return info.InterfaceVersion, nil
}

func (d *DaemonClient) get(ctx context.Context, baseURL, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+path, nil)
	if err != nil {
		return nil, err
	}
	return d.http.Do(req)
}

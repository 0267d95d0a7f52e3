// Package probe checks whether harness runtimes are able to take work.
// The node's probe loop runs one probe per registered runtime and feeds
// the outcomes to the health supervisor.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"
)

// Probe tests one runtime dependency. A nil error means the runtime can
// take work.
type Probe interface {
	Name() string
	Check(ctx context.Context) error
}

// HTTPProbe checks a service-backed runtime by hitting an endpoint.
type HTTPProbe struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPProbe creates a probe against a URL such as
// "http://127.0.0.1:4096/app".
func NewHTTPProbe(name, url string) *HTTPProbe {
	return &HTTPProbe{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *HTTPProbe) Name() string { return p.name }

func (p *HTTPProbe) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe returned %d", resp.StatusCode)
	}
	return nil
}

// TCPProbe checks that a runtime's port accepts connections.
type TCPProbe struct {
	name    string
	address string
	timeout time.Duration
}

// NewTCPProbe creates a probe against a host:port address.
func NewTCPProbe(name, address string) *TCPProbe {
	return &TCPProbe{name: name, address: address, timeout: 5 * time.Second}
}

func (p *TCPProbe) Name() string { return p.name }

func (p *TCPProbe) Check(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	return conn.Close()
}

// CommandProbe checks that a CLI-backed runtime's binary is installed.
type CommandProbe struct {
	name   string
	binary string
}

// NewCommandProbe creates a probe for a binary on PATH.
func NewCommandProbe(name, binary string) *CommandProbe {
	return &CommandProbe{name: name, binary: binary}
}

func (p *CommandProbe) Name() string { return p.name }

func (p *CommandProbe) Check(ctx context.Context) error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return fmt.Errorf("binary %s not found: %w", p.binary, err)
	}
	return nil
}

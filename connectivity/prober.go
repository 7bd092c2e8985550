package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Prober feeds a Monitor by periodically sending a HEAD request to a URL.
// Any HTTP response counts as reachable; only transport failures count as
// offline.
type Prober struct {
	url      string
	monitor  *Monitor
	client   *http.Client
	interval time.Duration
	logger   *slog.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithInterval sets how often the URL is probed.
func WithInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.interval = d
	}
}

// WithHTTPClient overrides the HTTP client used for probes.
func WithHTTPClient(c *http.Client) ProberOption {
	return func(p *Prober) {
		p.client = c
	}
}

// WithLogger sets the prober's logger.
func WithLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// NewProber creates a Prober reporting to m.
func NewProber(url string, m *Monitor, opts ...ProberOption) *Prober {
	p := &Prober{
		url:      url,
		monitor:  m,
		client:   &http.Client{Timeout: defaultProbeTimeout},
		interval: defaultProbeInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	p.logger = p.logger.With("component", "connectivity")
	return p
}

// Check probes once and updates the monitor. It returns the observed state.
func (p *Prober) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("building probe request", "error", err)
		return p.monitor.Online()
	}
	resp, err := p.client.Do(req)
	online := err == nil
	if err == nil {
		resp.Body.Close()
	} else if ctx.Err() != nil {
		return p.monitor.Online()
	}
	if online != p.monitor.Online() {
		p.logger.Info("connectivity changed", "online", online)
	}
	p.monitor.SetOnline(online)
	return online
}

// Run probes immediately and then every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

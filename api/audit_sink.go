package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	sinkQueueSize   = 1024
	sinkAttempts    = 3
	sinkPostTimeout = 10 * time.Second
)

// auditRecord is the JSON body posted to the audit collector.
type auditRecord struct {
	Event  string            `json:"event"`
	At     time.Time         `json:"at"`
	UID    string            `json:"uid,omitempty"`
	Peer   string            `json:"peer,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// auditSink forwards audit records to an HTTP collector from a single
// goroutine. A full queue drops records rather than stall a request.
type auditSink struct {
	endpoint string
	header   http.Header
	client   *http.Client
	logger   *slog.Logger
	backoff  time.Duration

	queue   chan auditRecord
	dropped atomic.Int64
	closing sync.Once
	done    chan struct{}
}

// newAuditSink starts a sink posting to endpoint. authHeader is an optional
// "Name: value" pair added to every post.
func newAuditSink(endpoint, authHeader string, logger *slog.Logger) *auditSink {
	s := &auditSink{
		endpoint: endpoint,
		header:   make(http.Header),
		client:   &http.Client{},
		logger:   logger.With("component", "audit_sink"),
		backoff:  time.Second,
		queue:    make(chan auditRecord, sinkQueueSize),
		done:     make(chan struct{}),
	}
	s.header.Set("Content-Type", "application/json")
	s.header.Set("User-Agent", "sessionkeeper-audit/1")
	if authHeader != "" {
		name, value, ok := strings.Cut(authHeader, ":")
		if name = strings.TrimSpace(name); ok && name != "" {
			s.header.Set(name, strings.TrimSpace(value))
		} else {
			s.logger.Warn("ignoring malformed audit webhook header")
		}
	}
	go s.run()
	return s
}

func (s *auditSink) submit(rec auditRecord) {
	select {
	case s.queue <- rec:
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("audit queue full, record dropped", "event", rec.Event, "dropped_total", n)
	}
}

// close stops accepting records and waits for the queue to drain.
func (s *auditSink) close() {
	s.closing.Do(func() { close(s.queue) })
	<-s.done
}

func (s *auditSink) run() {
	defer close(s.done)
	for rec := range s.queue {
		if err := s.deliver(rec); err != nil {
			s.logger.Warn("audit delivery failed", "event", rec.Event, "error", err)
		}
	}
}

// deliver posts rec, retrying transport failures, 429 and 5xx with a
// doubling pause between attempts.
func (s *auditSink) deliver(rec auditRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding audit record: %w", err)
	}
	pause := s.backoff
	for attempt := 1; ; attempt++ {
		retry, err := s.post(body)
		if err == nil {
			return nil
		}
		if !retry || attempt == sinkAttempts {
			return fmt.Errorf("attempt %d: %w", attempt, err)
		}
		time.Sleep(pause)
		pause *= 2
	}
}

func (s *auditSink) post(body []byte) (retry bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkPostTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("building request: %w", err)
	}
	req.Header = s.header.Clone()

	resp, err := s.client.Do(req)
	if err != nil {
		return true, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return false, nil
	case code == http.StatusTooManyRequests || code >= 500:
		return true, fmt.Errorf("collector returned %d", code)
	default:
		return false, fmt.Errorf("collector rejected record with %d", code)
	}
}

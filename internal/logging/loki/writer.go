// Package loki provides a zerolog writer that ships log lines to Grafana Loki.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds configuration for the Loki writer.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // Stream labels added to every line
	BatchSize     int               // Lines buffered before an early flush (default: 100)
	FlushInterval time.Duration     // Periodic flush (default: 5s)
	Timeout       time.Duration     // Push request timeout (default: 10s)
}

// maxReportedErrors bounds how many push failures are echoed to stderr.
const maxReportedErrors = 3

// Writer buffers log lines and pushes them to Loki in batches. Write never
// fails, so an unreachable Loki does not disturb the node.
type Writer struct {
	url       string
	labels    map[string]string
	client    *http.Client
	batchSize int
	interval  time.Duration

	mu     sync.Mutex
	buffer [][]string // [unix nanos, line]

	flushMu sync.Mutex
	kick    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	errors atomic.Uint64
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a writer. Call Start to begin shipping.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	labels := map[string]string{"job": "datanode"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &Writer{
		url:       cfg.URL,
		labels:    labels,
		client:    &http.Client{Timeout: cfg.Timeout},
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		kick:      make(chan struct{}, 1),
	}
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, []string{strconv.FormatInt(time.Now().UnixNano(), 10), line})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start runs the background flush loop.
func (w *Writer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = w.Flush()
			case <-w.kick:
				_ = w.Flush()
			}
		}
	}()
}

// Stop ends the flush loop and pushes whatever is still buffered.
func (w *Writer) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	_ = w.Flush()
}

// Flush pushes the buffered lines. Lines that fail to push are dropped.
func (w *Writer) Flush() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	values := w.buffer
	w.buffer = nil
	labels := make(map[string]string, len(w.labels))
	for k, v := range w.labels {
		labels[k] = v
	}
	w.mu.Unlock()

	if len(values) == 0 {
		return nil
	}

	if err := w.push(pushRequest{Streams: []stream{{Stream: labels, Values: values}}}); err != nil {
		if n := w.errors.Add(1); n <= maxReportedErrors {
			fmt.Fprintf(os.Stderr, "loki: %v\n", err)
		}
		return err
	}
	return nil
}

func (w *Writer) push(payload pushRequest) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/loki/api/v1/push", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send logs: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	return nil
}

// FlushErrors returns the number of failed pushes.
func (w *Writer) FlushErrors() uint64 {
	return w.errors.Load()
}

// SetLabels adds or replaces stream labels for later pushes.
func (w *Writer) SetLabels(labels map[string]string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range labels {
		w.labels[k] = v
	}
}

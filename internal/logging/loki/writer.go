// Package loki provides a zerolog writer that pushes logs to Grafana Loki.
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
	URL           string            // Loki push URL, e.g. "http://loki:3100"
	Labels        map[string]string // Static labels added to every entry
	BatchSize     int               // Max entries before flush (default: 100)
	FlushInterval time.Duration     // Flush interval (default: 5s)
	Timeout       time.Duration     // HTTP timeout (default: 10s)
}

// Writer implements io.Writer and ships log lines to Loki. Entries are
// buffered and pushed in batches, either when the buffer fills or on the
// flush interval.
type Writer struct {
	url    string
	labels map[string]string
	client *http.Client

	mu        sync.Mutex
	buffer    []entry
	batchSize int

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	flushInterval time.Duration

	// Signals the background goroutine that the buffer is full. Buffered
	// so Write never blocks on it.
	flushTrigger chan struct{}

	flushErrors uint64 // atomic
}

type entry struct {
	ts   time.Time
	line string
}

// pushRequest is the payload format of Loki's push API.
type pushRequest struct {
	Streams []pushStream `json:"streams"`
}

type pushStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewWriter creates a Loki writer.
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
	if cfg.Labels == nil {
		cfg.Labels = make(map[string]string)
	}
	if _, ok := cfg.Labels["job"]; !ok {
		cfg.Labels["job"] = "diskwarden"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Writer{
		url:           cfg.URL,
		labels:        cfg.Labels,
		client:        &http.Client{Timeout: cfg.Timeout},
		buffer:        make([]entry, 0, cfg.BatchSize),
		batchSize:     cfg.BatchSize,
		ctx:           ctx,
		cancel:        cancel,
		flushInterval: cfg.FlushInterval,
		flushTrigger:  make(chan struct{}, 1),
	}
}

// Write implements io.Writer. It buffers the line and never returns an
// error, so logging keeps working when Loki is unreachable.
func (w *Writer) Write(p []byte) (n int, err error) {
	// Copy before buffering; zerolog reuses p
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	w.buffer = append(w.buffer, entry{ts: time.Now(), line: line})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushTrigger <- struct{}{}:
		default:
			// A flush is already pending
		}
	}

	return len(p), nil
}

// Start begins the background flush goroutine.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.flush()
			case <-w.flushTrigger:
				w.flush()
			}
		}
	}()
}

// Stop shuts the writer down, pushing any buffered entries first.
func (w *Writer) Stop() {
	w.cancel()
	w.wg.Wait()
	w.flush()
}

// flush drains the buffer and pushes it. Only the background goroutine
// and Stop (after that goroutine exits) call this.
func (w *Writer) flush() {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	w.mu.Unlock()

	if err := w.send(entries); err != nil {
		// Report the first few failures to stderr; going through the
		// logger here would loop back into this writer.
		if atomic.AddUint64(&w.flushErrors, 1) <= 3 {
			fmt.Fprintf(os.Stderr, "loki: %v\n", err)
		}
	}
}

func (w *Writer) send(entries []entry) error {
	values := make([][]string, len(entries))
	for i, e := range entries {
		// Loki wants nanosecond timestamps as strings
		values[i] = []string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line}
	}

	payload := pushRequest{Streams: []pushStream{{Stream: w.labels, Values: values}}}
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

// FlushErrors returns how many pushes have failed.
func (w *Writer) FlushErrors() uint64 {
	return atomic.LoadUint64(&w.flushErrors)
}

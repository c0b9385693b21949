// Package splunk accepts events over the Splunk HTTP Event Collector (HEC)
// protocol and feeds each one into the ingestion pipeline.
package splunk

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ErrRejected marks events the receiver accepted on the wire but the
// pipeline refused as invalid data.
var ErrRejected = errors.New("event rejected")

// HECReceiver receives events via Splunk HEC protocol.
type HECReceiver struct {
	config  ReceiverConfig
	handler EventHandler
	logger  *zap.Logger
	server  *http.Server
	mu      sync.RWMutex
	stats   ReceiverStats
}

// ReceiverConfig holds HEC receiver configuration.
type ReceiverConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Port         int           `yaml:"port"`
	TokenEnv     string        `yaml:"token_env"`
	TLSCertFile  string        `yaml:"tls_cert_file"`
	TLSKeyFile   string        `yaml:"tls_key_file"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	MaxEventSize int           `yaml:"max_event_size"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultReceiverConfig returns sensible defaults. Port 0 serves HEC on the
// API listener instead of a dedicated one.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Enabled:      true,
		TokenEnv:     "ALERTFORGE_HEC_TOKEN",
		MaxBatchSize: 1000,
		MaxEventSize: 1024 * 1024, // 1MB
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// ReceiverStats tracks receiver metrics.
type ReceiverStats struct {
	EventsReceived int64
	EventsDropped  int64
	BytesReceived  int64
	LastEventAt    time.Time
}

// BatchError reports the event that stopped a batch. Events before Index
// were processed; Index and everything after it were not.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string { return fmt.Sprintf("event %d: %v", e.Index, e.Err) }

func (e *BatchError) Unwrap() error { return e.Err }

// EventHandler processes received events. A handler that stops partway
// through a batch returns a *BatchError so only unprocessed events count
// as dropped.
type EventHandler func(ctx context.Context, events []HECEvent) error

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// NewHECReceiver creates a new HEC receiver.
func NewHECReceiver(config ReceiverConfig, handler EventHandler, logger ...*zap.Logger) *HECReceiver {
	l := zap.NewNop()
	if len(logger) > 0 && logger[0] != nil {
		l = logger[0]
	}
	if config.MaxEventSize <= 0 {
		config.MaxEventSize = DefaultReceiverConfig().MaxEventSize
	}
	return &HECReceiver{
		config:  config,
		handler: handler,
		logger:  l,
	}
}

// Routes returns the HEC endpoints, to be mounted at /services/collector.
func (r *HECReceiver) Routes() http.Handler {
	router := chi.NewRouter()
	router.Post("/event", r.handleEvent)
	router.Post("/event/1.0", r.handleEvent)
	router.Post("/raw", r.handleRaw)
	router.Post("/raw/1.0", r.handleRaw)
	router.Get("/health", r.handleHealth)
	router.Get("/health/1.0", r.handleHealth)
	return router
}

// Start serves HEC on its own port until ctx is cancelled.
func (r *HECReceiver) Start(ctx context.Context) error {
	mux := chi.NewRouter()
	mux.Mount("/services/collector", r.Routes())

	r.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", r.config.Port),
		Handler:      mux,
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.server.Shutdown(shutdownCtx)
	}()

	r.logger.Info("HEC receiver listening", zap.String("addr", r.server.Addr))
	var err error
	if r.config.TLSCertFile != "" && r.config.TLSKeyFile != "" {
		err = r.server.ListenAndServeTLS(r.config.TLSCertFile, r.config.TLSKeyFile)
	} else {
		err = r.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stats returns current receiver statistics.
func (r *HECReceiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// handleEvent processes HEC event endpoint requests.
func (r *HECReceiver) handleEvent(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, "Invalid token", 4)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxEventSize)))
	if err != nil {
		writeHEC(w, http.StatusBadRequest, "Error reading body", 6)
		return
	}

	// Parse events (may be multiple JSON objects or newline-delimited)
	events, err := r.parseEvents(body)
	if err != nil {
		writeHEC(w, http.StatusBadRequest, err.Error(), 6)
		return
	}

	r.dispatch(w, req, events, len(body))
}

// handleRaw wraps the whole body as a single event.
func (r *HECReceiver) handleRaw(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, "Invalid token", 4)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxEventSize)))
	if err != nil {
		writeHEC(w, http.StatusBadRequest, "Error reading body", 6)
		return
	}

	q := req.URL.Query()
	events := []HECEvent{{
		Event:      string(body),
		SourceType: q.Get("sourcetype"),
		Source:     q.Get("source"),
		Host:       q.Get("host"),
		Index:      q.Get("index"),
	}}
	r.dispatch(w, req, events, len(body))
}

func (r *HECReceiver) dispatch(w http.ResponseWriter, req *http.Request, events []HECEvent, size int) {
	r.mu.Lock()
	r.stats.EventsReceived += int64(len(events))
	r.stats.BytesReceived += int64(size)
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()

	if r.handler != nil {
		if err := r.handler(req.Context(), events); err != nil {
			dropped := len(events)
			var batchErr *BatchError
			if errors.As(err, &batchErr) && batchErr.Index >= 0 && batchErr.Index < len(events) {
				dropped = len(events) - batchErr.Index
			}
			r.mu.Lock()
			r.stats.EventsDropped += int64(dropped)
			r.mu.Unlock()

			if errors.Is(err, ErrRejected) {
				writeHEC(w, http.StatusBadRequest, "Invalid data format", 6)
				return
			}
			r.logger.Error("HEC batch failed", zap.Int("events", len(events)), zap.Error(err))
			writeHEC(w, http.StatusInternalServerError, "Error processing events", 8)
			return
		}
	}

	writeHEC(w, http.StatusOK, "Success", 0)
}

// handleHealth handles health check requests.
func (r *HECReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeHEC(w, http.StatusOK, "HEC is healthy", 17)
}

// validateToken checks the Authorization header. With no token configured
// every request is refused, and tokens in the query string are ignored.
func (r *HECReceiver) validateToken(req *http.Request) bool {
	expectedToken := os.Getenv(r.config.TokenEnv)
	if expectedToken == "" {
		return false
	}

	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Splunk ") {
		return false
	}
	token := strings.TrimPrefix(auth, "Splunk ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) == 1
}

// parseEvents parses HEC event body (JSON or newline-delimited).
func (r *HECReceiver) parseEvents(body []byte) ([]HECEvent, error) {
	var single HECEvent
	if err := json.Unmarshal(body, &single); err == nil {
		return []HECEvent{single}, nil
	}

	var events []HECEvent
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		var event HECEvent
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, event)
		if r.config.MaxBatchSize > 0 && len(events) > r.config.MaxBatchSize {
			return nil, fmt.Errorf("batch exceeds maximum size of %d events", r.config.MaxBatchSize)
		}
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("no valid events found")
	}

	return events, nil
}

func writeHEC(w http.ResponseWriter, status int, text string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"text": text, "code": code})
}

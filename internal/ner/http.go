package ner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// HTTPConfig configures the sidecar backend
type HTTPConfig struct {
	Endpoint string
	Timeout  time.Duration
	// Breaker trips after this many consecutive failures
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again
	OpenTimeout time.Duration
}

type recognizeRequest struct {
	Text string `json:"text"`
	Mode Mode   `json:"mode"`
}

type recognizeResponse struct {
	Entities []Token `json:"entities"`
}

// HTTPRecognizer calls an NER sidecar over HTTP. Calls go through a circuit
// breaker so an unhealthy sidecar fails fast.
type HTTPRecognizer struct {
	endpoint string
	mode     Mode
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[[]Token]
	logger   *zap.Logger
}

// NewHTTPRecognizer probes the sidecar's /health endpoint and returns a
// recognizer bound to mode. An unreachable sidecar is a network InitError.
func NewHTTPRecognizer(ctx context.Context, cfg HTTPConfig, mode Mode, logger *zap.Logger) (*HTTPRecognizer, error) {
	if cfg.Endpoint == "" {
		return nil, &InitError{Mode: mode, Kind: KindMissingBackend, Err: fmt.Errorf("%w: no endpoint configured", ErrBackendUnavailable)}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &HTTPRecognizer{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		mode:     mode,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
	r.breaker = gobreaker.NewCircuitBreaker[[]Token](gobreaker.Settings{
		Name:    "ner-" + string(mode),
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("NER sidecar breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	if err := r.probe(ctx); err != nil {
		return nil, &InitError{Mode: mode, Kind: KindNetwork, Err: err}
	}
	return r, nil
}

func (r *HTTPRecognizer) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar health check returned %d", resp.StatusCode)
	}
	return nil
}

// Recognize implements Recognizer
func (r *HTTPRecognizer) Recognize(ctx context.Context, text string) ([]Token, error) {
	tokens, err := r.breaker.Execute(func() ([]Token, error) {
		return r.call(ctx, text)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("ner sidecar unavailable: %w", err)
	}
	return tokens, err
}

func (r *HTTPRecognizer) call(ctx context.Context, text string) ([]Token, error) {
	body, err := json.Marshal(recognizeRequest{Text: text, Mode: r.mode})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+"/recognize", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ner sidecar request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("ner sidecar returned status %d", resp.StatusCode)
	}

	var out recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode ner sidecar response: %w", err)
	}
	return out.Entities, nil
}

// Close implements Recognizer
func (r *HTTPRecognizer) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

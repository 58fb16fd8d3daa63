package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/desensitizer/internal/audit"
	"github.com/raaihank/desensitizer/internal/cache"
	"github.com/raaihank/desensitizer/internal/config"
	"github.com/raaihank/desensitizer/internal/logger"
	"github.com/raaihank/desensitizer/internal/metrics"
	"github.com/raaihank/desensitizer/internal/ner"
	"github.com/raaihank/desensitizer/internal/privacy"
)

type fakeModelStatus struct {
	ready bool
	err   error
}

func (f fakeModelStatus) Status() (bool, error) {
	return f.ready, f.err
}

func testConfig() *config.Config {
	cfg := config.GetDefaults()
	cfg.RateLimit.Enabled = false
	return cfg
}

func testPipeline(withModel bool, opts ...privacy.PipelineOption) *privacy.Pipeline {
	var model privacy.Detector
	if withModel {
		model = privacy.NewModelDetector(ner.NewStaticRecognizer(ner.DefaultLexicon()), nil)
	}
	return privacy.NewPipeline(privacy.NewPatternDetector(nil), model, nil, opts...)
}

func newTestServer(t *testing.T, cfg *config.Config, pipeline Desensitizer, opts ...Option) *Server {
	t.Helper()
	srv, err := New(cfg, pipeline, logger.Nop(), opts...)
	require.NoError(t, err)
	return srv
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestDesensitize(t *testing.T) {
	srv := newTestServer(t, testConfig(), testPipeline(true))
	h := srv.Handler()

	t.Run("partial phone", func(t *testing.T) {
		rec := postJSON(t, h, "/api/v1/desensitize", `{"text":"手机号是13812345678","detectors":"pattern"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

		resp := decode[DesensitizeResponse](t, rec)
		assert.Equal(t, "手机号是1*********8", resp.MaskedText)
		assert.Equal(t, "partial", resp.Strategy)
		assert.Equal(t, "pattern", resp.Detectors)
		assert.Equal(t, rec.Header().Get(RequestIDHeader), resp.RequestID)
		require.Len(t, resp.Entities, 1)
		assert.Equal(t, 4, resp.Entities[0].Start)
		assert.Equal(t, 1, resp.Summary.Total)
		assert.Equal(t, 1, resp.Summary.TypeCount)
		assert.Len(t, resp.Summary.Segments, 2)
	})

	t.Run("placeholder with both detectors", func(t *testing.T) {
		rec := postJSON(t, h, "/api/v1/desensitize", `{"text":"张三的手机号是13812345678","strategy":"placeholder"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decode[DesensitizeResponse](t, rec)
		assert.Equal(t, "[人名]的手机号是[电话]", resp.MaskedText)
		assert.Equal(t, "both", resp.Detectors)
		assert.Equal(t, 2, resp.Summary.TypeCount)
	})

	t.Run("entity type filter", func(t *testing.T) {
		rec := postJSON(t, h, "/api/v1/desensitize", `{"text":"张三的手机号是13812345678","strategy":"full","entity_types":["人名"]}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decode[DesensitizeResponse](t, rec)
		assert.Equal(t, "**的手机号是13812345678", resp.MaskedText)
	})

	t.Run("empty text", func(t *testing.T) {
		rec := postJSON(t, h, "/api/v1/desensitize", `{"text":"   "}`)
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[DesensitizeResponse](t, rec)
		assert.True(t, resp.Empty)
		assert.Equal(t, "   ", resp.MaskedText)
		assert.Empty(t, resp.Entities)
	})

	t.Run("explicit empty entity types", func(t *testing.T) {
		rec := postJSON(t, h, "/api/v1/desensitize", `{"text":"张三","entity_types":[]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "no_entity_type_selected", decode[ErrorResponse](t, rec).Code)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		rec := postJSON(t, h, "/api/v1/desensitize", `{"text":"张三","strategy":"shred"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "unknown_strategy", decode[ErrorResponse](t, rec).Code)
	})

	t.Run("unknown entity type", func(t *testing.T) {
		rec := postJSON(t, h, "/api/v1/desensitize", `{"text":"张三","entity_types":["PLANET"]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "unknown_entity_type", decode[ErrorResponse](t, rec).Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		rec := postJSON(t, h, "/api/v1/desensitize", `{"text":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_json", decode[ErrorResponse](t, rec).Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := get(t, h, "/api/v1/desensitize")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestDesensitizeWithoutModel(t *testing.T) {
	cfg := testConfig()
	cfg.Desensitize.Detectors = "pattern"
	srv := newTestServer(t, cfg, testPipeline(false))

	rec := postJSON(t, srv.Handler(), "/api/v1/desensitize", `{"text":"张三","detectors":"model"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "model_unavailable", decode[ErrorResponse](t, rec).Code)
}

func TestDesensitizeBodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxUploadBytes = 16
	srv := newTestServer(t, cfg, testPipeline(false))

	rec := postJSON(t, srv.Handler(), "/api/v1/desensitize", `{"text":"`+strings.Repeat("a", 64)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func uploadFile(t *testing.T, h http.Handler, filename string, content []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/desensitize/file", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDesensitizeFile(t *testing.T) {
	srv := newTestServer(t, testConfig(), testPipeline(true))
	h := srv.Handler()

	t.Run("text file", func(t *testing.T) {
		content := append([]byte{0xEF, 0xBB, 0xBF}, []byte("联系邮箱test@example.com")...)
		rec := uploadFile(t, h, "notes.txt", content, map[string]string{"strategy": "placeholder"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decode[DesensitizeResponse](t, rec)
		assert.Equal(t, "联系邮箱[邮箱]", resp.MaskedText)
		assert.Equal(t, "notes.txt", resp.Filename)
	})

	t.Run("entity types field", func(t *testing.T) {
		rec := uploadFile(t, h, "data.csv", []byte("张三,13812345678"), map[string]string{
			"strategy":     "full",
			"entity_types": "PHONE",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "张三,***********", decode[DesensitizeResponse](t, rec).MaskedText)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		rec := uploadFile(t, h, "scan.pdf", []byte("%PDF"), nil)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})

	t.Run("invalid utf8", func(t *testing.T) {
		rec := uploadFile(t, h, "gbk.txt", []byte{0xD5, 0xC5, 0xC8, 0xFD, 0xFF}, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_encoding", decode[ErrorResponse](t, rec).Code)
	})

	t.Run("not multipart", func(t *testing.T) {
		rec := postJSON(t, h, "/api/v1/desensitize/file", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListings(t *testing.T) {
	srv := newTestServer(t, testConfig(), testPipeline(false), WithModelStatus(fakeModelStatus{ready: true}))
	h := srv.Handler()

	t.Run("entity types", func(t *testing.T) {
		rec := get(t, h, "/api/v1/entity-types")
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[struct {
			Groups []detectorGroup `json:"groups"`
		}](t, rec)
		require.Len(t, resp.Groups, 2)
		assert.Equal(t, "model", resp.Groups[0].Detector)
		assert.True(t, resp.Groups[0].Available)
		assert.Equal(t, "人名", resp.Groups[0].Types[0].Label)
		assert.Equal(t, "pattern", resp.Groups[1].Detector)
		assert.Len(t, resp.Groups[1].Types, 4)
	})

	t.Run("strategies", func(t *testing.T) {
		rec := get(t, h, "/api/v1/strategies")
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[struct {
			Strategies []strategyInfo `json:"strategies"`
		}](t, rec)
		require.Len(t, resp.Strategies, 4)
		assert.Equal(t, privacy.StrategyPartial, resp.Strategies[0].Name)
		assert.True(t, resp.Strategies[0].Default)
		assert.NotEmpty(t, resp.Strategies[0].DisplayName)
	})

	t.Run("info", func(t *testing.T) {
		rec := get(t, h, "/info")
		require.Equal(t, http.StatusOK, rec.Code)

		resp := decode[map[string]any](t, rec)
		assert.Equal(t, "desensitizer", resp["name"])
		assert.Equal(t, float64(32), resp["max_in_flight"])
	})
}

func TestHealth(t *testing.T) {
	t.Run("no model", func(t *testing.T) {
		srv := newTestServer(t, testConfig(), testPipeline(false))
		resp := decode[map[string]any](t, get(t, srv.Handler(), "/health"))
		assert.Equal(t, "healthy", resp["status"])
		assert.Equal(t, false, resp["model"].(map[string]any)["configured"])
	})

	t.Run("model failed", func(t *testing.T) {
		initErr := &ner.InitError{Mode: ner.ModeFast, Kind: ner.KindMissingArtifacts, Err: errors.New("model.onnx not found")}
		srv := newTestServer(t, testConfig(), testPipeline(false), WithModelStatus(fakeModelStatus{err: initErr}))

		rec := get(t, srv.Handler(), "/health")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[map[string]any](t, rec)
		assert.Equal(t, "degraded", resp["status"])
		assert.Contains(t, resp["model"].(map[string]any)["error"], "missing_artifacts")
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerSecond = 0.001
	cfg.RateLimit.Burst = 1
	srv := newTestServer(t, cfg, testPipeline(false))
	h := srv.Handler()

	assert.Equal(t, http.StatusOK, get(t, h, "/api/v1/strategies").Code)
	rec := get(t, h, "/api/v1/strategies")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode[ErrorResponse](t, rec).Code)

	// Health checks are not rate limited
	assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)
}

func TestRequestIDPropagation(t *testing.T) {
	srv := newTestServer(t, testConfig(), testPipeline(false))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "5f0c6c1e-8d4e-4a57-9d0e-3f7c2b1a9e11")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "5f0c6c1e-8d4e-4a57-9d0e-3f7c2b1a9e11", rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "not a uuid")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.NotEqual(t, "not a uuid", rec.Header().Get(RequestIDHeader))
}

func TestCacheAuditAndMetrics(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	resultCache := cache.NewResultCacheWithClient(client, &cache.Config{KeyPrefix: "test", DefaultTTL: time.Minute}, nil)

	store, err := audit.NewStore(&audit.Config{Driver: "sqlite", DSN: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	srv := newTestServer(t, testConfig(), testPipeline(false, privacy.WithObserver(m)),
		WithCache(resultCache),
		WithAudit(store),
		WithMetrics(m, reg),
	)
	h := srv.Handler()
	body := `{"text":"手机号是13812345678","detectors":"pattern"}`

	first := decode[DesensitizeResponse](t, postJSON(t, h, "/api/v1/desensitize", body))
	assert.False(t, first.Cached)
	second := decode[DesensitizeResponse](t, postJSON(t, h, "/api/v1/desensitize", body))
	assert.True(t, second.Cached)
	assert.Equal(t, first.MaskedText, second.MaskedText)
	assert.Equal(t, first.Summary, second.Summary)

	t.Run("audit recent", func(t *testing.T) {
		rec := get(t, h, "/api/v1/audit/recent?limit=5")
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[struct {
			Records []audit.Record `json:"records"`
		}](t, rec)
		require.Len(t, resp.Records, 1)
		assert.Equal(t, 1, resp.Records[0].EntityCounts["PHONE"])
		assert.NotContains(t, rec.Body.String(), "13812345678")
	})

	t.Run("audit bad limit", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/v1/audit/recent?limit=-1").Code)
	})

	t.Run("audit stats", func(t *testing.T) {
		rec := get(t, h, "/api/v1/audit/stats")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int64(1), decode[audit.Stats](t, rec).TotalCalls)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := get(t, h, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		out, err := io.ReadAll(rec.Body)
		require.NoError(t, err)
		text := string(out)
		assert.Contains(t, text, `desensitizer_requests_total{detectors="pattern",strategy="partial"} 1`)
		assert.Contains(t, text, "desensitizer_cache_hits_total 1")
		assert.Contains(t, text, "desensitizer_cache_misses_total 1")
	})
}

func TestInFlightLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.MaxInFlight = 1
	block := make(chan struct{})
	entered := make(chan struct{})
	srv := newTestServer(t, cfg, blockingPipeline{entered: entered, release: block})
	h := srv.Handler()

	done := make(chan int)
	go func() {
		done <- postJSON(t, h, "/api/v1/desensitize", `{"text":"a"}`).Code
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/desensitize", strings.NewReader(`{"text":"b"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	close(block)
	assert.Equal(t, http.StatusOK, <-done)
}

type blockingPipeline struct {
	entered chan struct{}
	release chan struct{}
}

func (b blockingPipeline) Desensitize(ctx context.Context, text string, opts privacy.Options) (*privacy.MaskResult, error) {
	b.entered <- struct{}{}
	<-b.release
	return &privacy.MaskResult{MaskedText: text, Entities: []privacy.Entity{}}, nil
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{privacy.ErrNoDetectorSelected, http.StatusBadRequest, "no_detector_selected"},
		{fmt.Errorf("x: %w", privacy.ErrUnknownDetector), http.StatusBadRequest, "unknown_detector"},
		{&ner.InitError{Mode: ner.ModeAccurate, Kind: ner.KindNetwork, Err: errors.New("refused")}, http.StatusServiceUnavailable, "model_unavailable"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestUpdateDefaults(t *testing.T) {
	srv := newTestServer(t, testConfig(), testPipeline(false))

	require.NoError(t, srv.UpdateDefaults(config.DesensitizeConfig{Strategy: "full", Detectors: "pattern"}))
	rec := postJSON(t, srv.Handler(), "/api/v1/desensitize", `{"text":"13812345678"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "***********", decode[DesensitizeResponse](t, rec).MaskedText)

	assert.Error(t, srv.UpdateDefaults(config.DesensitizeConfig{Strategy: "nope", Detectors: "pattern"}))
}

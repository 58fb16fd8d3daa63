package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/raaihank/desensitizer/internal/audit"
	"github.com/raaihank/desensitizer/internal/ner"
	"github.com/raaihank/desensitizer/internal/privacy"
	"github.com/raaihank/desensitizer/internal/websocket"
	"go.uber.org/zap"
)

// allowedUploadExts lists the file types accepted by the upload endpoint
var allowedUploadExts = map[string]bool{
	".txt": true,
	".md":  true,
	".csv": true,
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

const (
	defaultUploadLimit = 10 << 20
	defaultAuditLimit  = 20
	maxAuditLimit      = 500
)

// DesensitizeRequest is the JSON body of POST /api/v1/desensitize. Empty
// fields fall back to the configured defaults; an explicit empty
// entity_types list selects no type and is rejected.
type DesensitizeRequest struct {
	Text        string   `json:"text"`
	Strategy    string   `json:"strategy,omitempty"`
	Detectors   string   `json:"detectors,omitempty"`
	EntityTypes []string `json:"entity_types"`
}

// DesensitizeResponse is returned by both desensitize endpoints
type DesensitizeResponse struct {
	RequestID  string           `json:"request_id"`
	MaskedText string           `json:"masked_text"`
	Entities   []privacy.Entity `json:"entities"`
	Summary    privacy.Summary  `json:"summary"`
	Strategy   string           `json:"strategy"`
	Detectors  string           `json:"detectors"`
	Empty      bool             `json:"empty"`
	Cached     bool             `json:"cached"`
	Filename   string           `json:"filename,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

type entityTypeInfo struct {
	Type  privacy.EntityType `json:"type"`
	Label string             `json:"label"`
}

type detectorGroup struct {
	Detector  string           `json:"detector"`
	Available bool             `json:"available"`
	Types     []entityTypeInfo `json:"types"`
}

type strategyInfo struct {
	Name        privacy.MaskStrategy `json:"name"`
	DisplayName string               `json:"display_name"`
	Default     bool                 `json:"default"`
}

// handleDesensitize handles POST /api/v1/desensitize
func (s *Server) handleDesensitize(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.uploadLimit())

	var req DesensitizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	opts, err := s.resolveOptions(req.Strategy, req.Detectors, req.EntityTypes, req.EntityTypes != nil)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	s.serveDesensitize(w, r, req.Text, opts, "")
}

// handleFile handles POST /api/v1/desensitize/file. The upload is read as
// UTF-8 text and processed as a single document.
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	limit := s.uploadLimit()
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_upload", "expected a multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing_file", "missing file field")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedUploadExts[ext] {
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_file_type", "only .txt, .md and .csv files are supported")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_upload", "failed to read upload")
		return
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		writeError(w, http.StatusBadRequest, "invalid_encoding", "file is not valid UTF-8")
		return
	}

	var types []string
	_, typesSet := r.MultipartForm.Value["entity_types"]
	if typesSet {
		types = splitList(r.FormValue("entity_types"))
	}
	opts, err := s.resolveOptions(r.FormValue("strategy"), r.FormValue("detectors"), types, typesSet)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	s.serveDesensitize(w, r, string(data), opts, filepath.Base(header.Filename))
}

func (s *Server) serveDesensitize(w http.ResponseWriter, r *http.Request, text string, opts privacy.Options, filename string) {
	requestID := getRequestID(r.Context())

	result, cached, err := s.process(r.Context(), requestID, text, opts)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, DesensitizeResponse{
		RequestID:  requestID,
		MaskedText: result.MaskedText,
		Entities:   result.Entities,
		Summary:    privacy.Summarize(text, result.Entities),
		Strategy:   string(opts.Strategy),
		Detectors:  opts.Detectors.String(),
		Empty:      result.Empty,
		Cached:     cached,
		Filename:   filename,
	})
}

// process runs one call through the cache, the pipeline, the audit log and
// the live feed. Only the pipeline can fail the call.
func (s *Server) process(ctx context.Context, requestID, text string, opts privacy.Options) (*privacy.MaskResult, bool, error) {
	start := time.Now()
	log := s.logger.WithRequestID(requestID)

	if s.cache != nil && strings.TrimSpace(text) != "" {
		if result, ok := s.cache.Get(ctx, text, opts); ok {
			if s.metrics != nil {
				s.metrics.RecordCacheHit()
			}
			s.publish(requestID, opts, result, time.Since(start), true)
			return result, true, nil
		}
		if s.metrics != nil {
			s.metrics.RecordCacheMiss()
		}
	}

	result, err := s.pipeline.Desensitize(ctx, text, opts)
	if err != nil {
		return nil, false, err
	}
	if result.Empty {
		return result, false, nil
	}
	duration := time.Since(start)

	if s.cache != nil {
		if err := s.cache.Set(ctx, text, opts, result); err != nil {
			log.Warn("Failed to cache result", zap.Error(err))
		}
	}
	if s.audit != nil {
		record := audit.NewRecord(text, opts, result, duration, audit.SourceAPI)
		if err := s.audit.Insert(ctx, record); err != nil {
			log.Warn("Failed to write audit record", zap.Error(err))
		}
	}
	s.publish(requestID, opts, result, duration, false)

	return result, false, nil
}

func (s *Server) publish(requestID string, opts privacy.Options, result *privacy.MaskResult, duration time.Duration, cached bool) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.PublishDetection(websocket.DetectionEvent{
		RequestID:     requestID,
		Source:        audit.SourceAPI,
		Strategy:      string(opts.Strategy),
		Detectors:     opts.Detectors.String(),
		CountsByType:  privacy.CountLabels(result.Entities),
		TotalEntities: len(result.Entities),
		Cached:        cached,
		DurationMS:    float64(duration.Microseconds()) / 1000,
	})
}

// resolveOptions overlays request fields on the configured defaults
func (s *Server) resolveOptions(strategy, detectors string, types []string, typesSet bool) (privacy.Options, error) {
	opts := s.currentDefaults()

	if strategy != "" {
		parsed, err := privacy.ParseStrategy(strategy)
		if err != nil {
			return privacy.Options{}, err
		}
		opts.Strategy = parsed
	}
	if detectors != "" {
		parsed, err := privacy.ParseSelection(detectors)
		if err != nil {
			return privacy.Options{}, err
		}
		opts.Detectors = parsed
	}
	if typesSet {
		if len(types) == 0 {
			opts.Types = privacy.TypeFilter{}
		} else {
			filter, err := parseTypeList(types)
			if err != nil {
				return privacy.Options{}, err
			}
			opts.Types = filter
		}
	}
	return opts, nil
}

// parseTypeList parses names or labels; "all" selects every type
func parseTypeList(names []string) (privacy.TypeFilter, error) {
	filter := make(privacy.TypeFilter, len(names))
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), "all") {
			return nil, nil
		}
		t, err := privacy.ParseEntityType(name)
		if err != nil {
			return nil, err
		}
		filter[t] = struct{}{}
	}
	return filter, nil
}

// handleEntityTypes lists entity types grouped by the detector that emits them
func (s *Server) handleEntityTypes(w http.ResponseWriter, r *http.Request) {
	groups := []detectorGroup{
		{Detector: "model", Available: s.model != nil, Types: describeTypes(privacy.ModelTypes())},
		{Detector: "pattern", Available: true, Types: describeTypes(s.patternTypes)},
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) uploadLimit() int64 {
	if s.config.Server.MaxUploadBytes > 0 {
		return s.config.Server.MaxUploadBytes
	}
	return defaultUploadLimit
}

func describeTypes(types []privacy.EntityType) []entityTypeInfo {
	infos := make([]entityTypeInfo, 0, len(types))
	for _, t := range types {
		infos = append(infos, entityTypeInfo{Type: t, Label: t.Label()})
	}
	return infos
}

// handleStrategies lists the masking strategies
func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	current := s.currentDefaults().Strategy
	strategies := make([]strategyInfo, 0, len(privacy.AllStrategies()))
	for _, strategy := range privacy.AllStrategies() {
		strategies = append(strategies, strategyInfo{
			Name:        strategy,
			DisplayName: strategy.DisplayName(),
			Default:     strategy == current,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": strategies})
}

// handleHealth handles health check requests. A failed model leaves the
// service degraded but still able to run the pattern detector.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	model := map[string]any{"configured": s.model != nil}
	if s.model != nil {
		ready, err := s.model.Status()
		model["ready"] = ready
		if err != nil {
			model["error"] = err.Error()
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   Version,
		"model":     model,
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	defaults := s.currentDefaults()
	types := []string{"all"}
	if defaults.Types != nil {
		types = types[:0]
		for _, t := range defaults.Types.Types() {
			types = append(types, string(t))
		}
	}

	info := map[string]any{
		"name":    "desensitizer",
		"version": Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"defaults": map[string]any{
			"strategy":     defaults.Strategy,
			"detectors":    defaults.Detectors.String(),
			"entity_types": types,
		},
		"ner": map[string]any{
			"mode":    s.config.NER.Mode,
			"backend": s.config.NER.Backend,
		},
		"cache_enabled": s.cache != nil,
		"audit_enabled": s.audit != nil,
		"max_in_flight": cap(s.inFlight),
		"in_flight":     len(s.inFlight),
	}
	if s.wsHub != nil {
		info["websocket"] = s.wsHub.GetStats()
	}
	writeJSON(w, http.StatusOK, info)
}

// handleAuditRecent returns the most recent audit records
func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxAuditLimit)
	}

	records, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// handleAuditStats returns aggregate audit statistics
func (s *Server) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.audit.Stats(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// writeFailure maps err to a status code and error body
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Request failed", zap.Error(err))
		message = "internal error"
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, RequestID: getRequestID(r.Context())})
}

// errorStatus maps an error to an HTTP status and a stable error code
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, privacy.ErrNoDetectorSelected):
		return http.StatusBadRequest, "no_detector_selected"
	case errors.Is(err, privacy.ErrNoEntityTypeSelected):
		return http.StatusBadRequest, "no_entity_type_selected"
	case errors.Is(err, privacy.ErrUnknownStrategy):
		return http.StatusBadRequest, "unknown_strategy"
	case errors.Is(err, privacy.ErrUnknownEntityType):
		return http.StatusBadRequest, "unknown_entity_type"
	case errors.Is(err, privacy.ErrUnknownDetector):
		return http.StatusBadRequest, "unknown_detector"
	case ner.IsInitError(err), errors.Is(err, ner.ErrBackendUnavailable):
		return http.StatusServiceUnavailable, "model_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// splitList splits a comma separated form value, dropping blanks
func splitList(s string) []string {
	items := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}

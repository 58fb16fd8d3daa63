package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/desensitizer/internal/config"
	"github.com/raaihank/desensitizer/internal/ner"
	"github.com/raaihank/desensitizer/internal/privacy"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.GetDefaults()
	cfg.NER.Backend = string(ner.BackendStatic)
	cfg.Audit.DSN = filepath.Join(t.TempDir(), "audit.db")
	return cfg
}

func TestBuild(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Cache.Enabled = true
	cfg.Cache.Addr = mr.Addr()
	cfg.Audit.Enabled = true

	s, err := Build(cfg, nil, Options{WithCache: true, WithAudit: true, WithMetrics: true})
	require.NoError(t, err)
	defer s.Close()

	assert.NotNil(t, s.Cache)
	assert.NotNil(t, s.Audit)
	assert.NotNil(t, s.Metrics)
	require.NotNil(t, s.Model)
	assert.True(t, s.Pipeline.HasModel())

	require.NoError(t, s.Preload(context.Background()))
	ready, err := s.Model.Status()
	assert.True(t, ready)
	assert.NoError(t, err)

	res, err := s.Pipeline.Desensitize(context.Background(), "张三的手机号是13812345678",
		privacy.Options{Strategy: privacy.StrategyPlaceholder, Detectors: privacy.SelectBoth})
	require.NoError(t, err)
	assert.Equal(t, "[人名]的手机号是[电话]", res.MaskedText)

	families, err := s.Registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "desensitizer_requests_total")
}

func TestBuildOptionalServicesOff(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Enabled = true
	cfg.Audit.Enabled = true

	s, err := Build(cfg, nil, Options{})
	require.NoError(t, err)
	defer s.Close()

	assert.Nil(t, s.Cache)
	assert.Nil(t, s.Audit)
	assert.Nil(t, s.Metrics)
	assert.Nil(t, s.Registry)
}

func TestBuildWithoutModel(t *testing.T) {
	cfg := testConfig(t)
	cfg.NER.Backend = string(ner.BackendNone)

	s, err := Build(cfg, nil, Options{})
	require.NoError(t, err)
	defer s.Close()

	assert.Nil(t, s.Model)
	assert.False(t, s.Pipeline.HasModel())
	assert.NoError(t, s.Preload(context.Background()))

	_, err = s.Pipeline.Desensitize(context.Background(), "张三",
		privacy.Options{Strategy: privacy.StrategyFull, Detectors: privacy.SelectModel})
	assert.ErrorIs(t, err, ner.ErrBackendUnavailable)
}

func TestBuildUnreachableCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Enabled = true
	cfg.Cache.Addr = "127.0.0.1:1"

	s, err := Build(cfg, nil, Options{WithCache: true})
	require.NoError(t, err)
	defer s.Close()
	assert.Nil(t, s.Cache)
}

func TestBuildInvalidMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.NER.Mode = "turbo"

	_, err := Build(cfg, nil, Options{})
	assert.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	cfg := config.GetDefaults().NER
	cfg.Backend = string(ner.BackendONNX)

	base := Fingerprint(cfg, ner.ModeFast, privacy.PolicyFirstSeen)
	assert.Equal(t, base, Fingerprint(cfg, ner.ModeFast, privacy.PolicyFirstSeen))
	assert.NotEqual(t, base, Fingerprint(cfg, ner.ModeFast, privacy.PolicyLongestSpan))
	assert.NotEqual(t, base, Fingerprint(cfg, ner.ModeAccurate, privacy.PolicyFirstSeen))

	other := cfg
	other.Backend = string(ner.BackendHTTP)
	assert.NotEqual(t, base, Fingerprint(other, ner.ModeFast, privacy.PolicyFirstSeen))

	other = cfg
	other.ModelDir = "/srv/models/v2"
	assert.NotEqual(t, base, Fingerprint(other, ner.ModeFast, privacy.PolicyFirstSeen))
}

func TestBuildCacheKeyFollowsPolicy(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := privacy.Options{Strategy: privacy.StrategyPlaceholder, Detectors: privacy.SelectBoth}

	keys := make(map[string]bool)
	for _, policy := range []string{"first_seen", "longest_span"} {
		cfg := testConfig(t)
		cfg.Cache.Enabled = true
		cfg.Cache.Addr = mr.Addr()
		cfg.Desensitize.Policy = policy

		s, err := Build(cfg, nil, Options{WithCache: true})
		require.NoError(t, err)
		require.NotNil(t, s.Cache)
		keys[s.Cache.Key("张三", opts)] = true
		require.NoError(t, s.Close())
	}
	assert.Len(t, keys, 2)
}

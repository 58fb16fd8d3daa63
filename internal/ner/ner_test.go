package ner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_BuildsOnce(t *testing.T) {
	var calls atomic.Int32
	h := NewHandle(ModeFast, func(ctx context.Context, mode Mode) (Recognizer, error) {
		calls.Add(1)
		return NewStaticRecognizer(DefaultLexicon()), nil
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens, err := h.Recognize(context.Background(), "张三在北京市")
			assert.NoError(t, err)
			assert.Len(t, tokens, 2)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	ready, err := h.Status()
	assert.True(t, ready)
	assert.NoError(t, err)
}

func TestHandle_CachesInitError(t *testing.T) {
	calls := 0
	h := NewHandle(ModeAccurate, func(ctx context.Context, mode Mode) (Recognizer, error) {
		calls++
		return nil, &InitError{Mode: mode, Kind: KindMissingArtifacts, Err: os.ErrNotExist}
	}, nil)

	_, err1 := h.Recognize(context.Background(), "x")
	_, err2 := h.Recognize(context.Background(), "y")

	require.Error(t, err1)
	assert.Same(t, err1, err2)
	assert.Equal(t, 1, calls)

	var ie *InitError
	require.True(t, errors.As(err1, &ie))
	assert.Equal(t, KindMissingArtifacts, ie.Kind)
	assert.Equal(t, ModeAccurate, ie.Mode)
	assert.ErrorIs(t, err1, os.ErrNotExist)
}

func TestHandle_WrapsPlainBuildError(t *testing.T) {
	h := NewHandle(ModeFast, func(ctx context.Context, mode Mode) (Recognizer, error) {
		return nil, errors.New("boom")
	}, nil)
	_, err := h.Recognizer(context.Background())

	var ie *InitError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, KindLoadFailed, ie.Kind)
}

func TestHandle_CancelledBuildIsRetried(t *testing.T) {
	calls := 0
	h := NewHandle(ModeFast, func(ctx context.Context, mode Mode) (Recognizer, error) {
		calls++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewStaticRecognizer(nil), nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Recognizer(ctx)
	require.ErrorIs(t, err, context.Canceled)

	_, err = h.Recognizer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRegistry_OneHandlePerMode(t *testing.T) {
	r := NewRegistry(NewBuilder(Config{Backend: BackendStatic}, nil), nil)
	assert.Same(t, r.Handle(ModeFast), r.Handle(ModeFast))
	assert.NotSame(t, r.Handle(ModeFast), r.Handle(ModeAccurate))

	_, err := r.Handle(ModeFast).Recognize(context.Background(), "李四")
	require.NoError(t, err)
	assert.NoError(t, r.Close())
}

func TestBuilder_NoneBackend(t *testing.T) {
	build := NewBuilder(Config{Backend: BackendNone}, nil)
	_, err := build(context.Background(), ModeFast)

	var ie *InitError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, KindMissingBackend, ie.Kind)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestBuilder_StaticLexiconFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lexicon.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- text: 赵六\n  tag: PER\n"), 0o600))

	rec, err := NewBuilder(Config{Backend: BackendStatic, LexiconPath: path}, nil)(context.Background(), ModeFast)
	require.NoError(t, err)
	tokens, err := rec.Recognize(context.Background(), "赵六和张三")
	require.NoError(t, err)
	assert.Equal(t, []Token{{Text: "赵六", Tag: "PER"}}, tokens)

	_, err = NewBuilder(Config{Backend: BackendStatic, LexiconPath: filepath.Join(dir, "nope.yaml")}, nil)(context.Background(), ModeFast)
	assert.True(t, IsInitError(err))
}

func TestStaticRecognizer_LongestMatchInOrder(t *testing.T) {
	rec := NewStaticRecognizer([]LexiconEntry{
		{Text: "北京", Tag: "LOC"},
		{Text: "北京大学", Tag: "ORG"},
		{Text: "王五", Tag: "PER"},
	})
	tokens, err := rec.Recognize(context.Background(), "王五在北京大学，住北京")
	require.NoError(t, err)
	assert.Equal(t, []Token{
		{Text: "王五", Tag: "PER"},
		{Text: "北京大学", Tag: "ORG"},
		{Text: "北京", Tag: "LOC"},
	}, tokens)
}

func TestDecodeTags(t *testing.T) {
	runes := []rune("张三在北京工作")
	positions := []int{0, 1, 2, 3, 4, 5, 6}

	t.Run("BIO", func(t *testing.T) {
		labels := []string{"B-PER", "I-PER", "O", "B-LOC", "I-LOC", "O", "O"}
		assert.Equal(t, []Token{{Text: "张三", Tag: "PER"}, {Text: "北京", Tag: "LOC"}}, DecodeTags(runes, positions, labels))
	})

	t.Run("BIOES", func(t *testing.T) {
		labels := []string{"B-PER", "E-PER", "O", "S-LOC", "S-LOC", "O", "O"}
		assert.Equal(t, []Token{
			{Text: "张三", Tag: "PER"},
			{Text: "北", Tag: "LOC"},
			{Text: "京", Tag: "LOC"},
		}, DecodeTags(runes, positions, labels))
	})

	t.Run("OrphanInsideStartsSpan", func(t *testing.T) {
		labels := []string{"I-PER", "I-PER", "O", "I-LOC", "B-LOC", "O", "O"}
		assert.Equal(t, []Token{
			{Text: "张三", Tag: "PER"},
			{Text: "北", Tag: "LOC"},
			{Text: "京", Tag: "LOC"},
		}, DecodeTags(runes, positions, labels))
	})

	t.Run("WhitespaceGap", func(t *testing.T) {
		text := []rune("张 三")
		assert.Equal(t, []Token{{Text: "张 三", Tag: "PER"}}, DecodeTags(text, []int{0, 2}, []string{"B-PER", "I-PER"}))
	})
}

func TestCharTokenizer(t *testing.T) {
	dir := t.TempDir()
	vocabPath := filepath.Join(dir, VocabFile)
	require.NoError(t, os.WriteFile(vocabPath, []byte("[PAD]\n[UNK]\n[CLS]\n[SEP]\n张\n三\na\n"), 0o600))

	vocab, err := LoadVocab(vocabPath)
	require.NoError(t, err)
	assert.Equal(t, int64(4), vocab["张"])

	tok, err := NewCharTokenizer(vocab, true)
	require.NoError(t, err)

	encs := tok.Encode("张 三A好", 512)
	require.Len(t, encs, 1)
	assert.Equal(t, []int64{2, 4, 5, 6, 1, 3}, encs[0].InputIDs)
	assert.Equal(t, []int{0, 2, 3, 4}, encs[0].Positions)
	assert.Len(t, encs[0].AttentionMask, 6)

	windows := tok.Encode("张三张三张", 4)
	require.Len(t, windows, 3)
	assert.Equal(t, []int{0, 1}, windows[0].Positions)
	assert.Equal(t, []int{4}, windows[2].Positions)

	_, err = NewCharTokenizer(map[string]int64{"[PAD]": 0}, false)
	assert.Error(t, err)
}

func TestManifestAndModelInfo(t *testing.T) {
	dir := t.TempDir()

	info, err := ModelInfo(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.False(t, info.Exists)

	manifest := "name: demo\nmode: fast\nlabels: [O, B-PER, I-PER]\nmax_length: 128\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, VocabFile), []byte("[PAD]\n"), 0o600))

	m, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, ModeFast, m.Mode)
	assert.Equal(t, 128, m.MaxLength)
	assert.Len(t, m.Labels, 3)

	info, err = ModelInfo(dir)
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.False(t, info.Complete)
	assert.Equal(t, 2, info.Files)
	assert.Equal(t, int64(len(manifest)+len("[PAD]\n")), info.SizeBytes)
	require.NotNil(t, info.Manifest)
	assert.Equal(t, "demo", info.Manifest.Name)
}

func TestHTTPRecognizer(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/recognize":
			if fail.Load() {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			var req recognizeRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(recognizeResponse{Entities: []Token{{Text: "张三", Tag: "PER"}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rec, err := NewHTTPRecognizer(context.Background(), HTTPConfig{
		Endpoint:    srv.URL,
		Timeout:     time.Second,
		MaxFailures: 2,
		OpenTimeout: time.Minute,
	}, ModeFast, nil)
	require.NoError(t, err)
	defer rec.Close()

	tokens, err := rec.Recognize(context.Background(), "张三")
	require.NoError(t, err)
	assert.Equal(t, []Token{{Text: "张三", Tag: "PER"}}, tokens)

	fail.Store(true)
	for i := 0; i < 2; i++ {
		_, err = rec.Recognize(context.Background(), "张三")
		require.Error(t, err)
	}

	// breaker is open now; the sidecar is not called
	fail.Store(false)
	_, err = rec.Recognize(context.Background(), "张三")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable")
}

func TestHTTPRecognizer_UnreachableIsNetworkInitError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := NewHTTPRecognizer(context.Background(), HTTPConfig{Endpoint: srv.URL, Timeout: time.Second}, ModeFast, nil)
	var ie *InitError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, KindNetwork, ie.Kind)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeFast, m)

	m, err = ParseMode("Accurate")
	require.NoError(t, err)
	assert.Equal(t, ModeAccurate, m)

	_, err = ParseMode("turbo")
	assert.Error(t, err)
}

package speech

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/whiterabbit/internal/cache"
	"github.com/nadzzz/whiterabbit/internal/metrics"
	"github.com/nadzzz/whiterabbit/internal/tts"
	"github.com/nadzzz/whiterabbit/internal/tts/model"
	"github.com/nadzzz/whiterabbit/internal/workpool"
)

const testVoice = "bm_fable"

// fakeEngine yields chunks, or fails after failAfter chunks when err is set.
type fakeEngine struct {
	calls     atomic.Int64
	chunks    []tts.Chunk
	err       error
	failAfter int
	gate      chan struct{} // optional, blocks synthesis until closed
	delay     time.Duration // optional, sleeps without watching ctx
}

func (e *fakeEngine) Synthesize(ctx context.Context, text, voice string) iter.Seq2[tts.Chunk, error] {
	e.calls.Add(1)
	return func(yield func(tts.Chunk, error) bool) {
		time.Sleep(e.delay)
		if e.gate != nil {
			select {
			case <-e.gate:
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
		for i, c := range e.chunks {
			if e.err != nil && i == e.failAfter {
				yield(nil, e.err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
		if e.err != nil && e.failAfter >= len(e.chunks) {
			yield(nil, e.err)
		}
	}
}

func (e *fakeEngine) Close() error { return nil }

type fixture struct {
	svc    *Service
	engine *fakeEngine
	store  *cache.Store
	pool   *workpool.Pool
	models *model.Manager
	loads  *atomic.Int64
}

type fixtureOpts struct {
	fs       afero.Fs
	lazy     *bool
	loadErr  error
	cfg      func(*Config)
	evictor  func(*cache.Store) *cache.Evictor
	poolSize int
}

func newFixture(t *testing.T, engine *fakeEngine, o fixtureOpts) *fixture {
	t.Helper()
	if o.fs == nil {
		o.fs = afero.NewMemMapFs()
	}
	store, err := cache.NewStore(o.fs, "/static/audio", nil)
	require.NoError(t, err)

	lazy := true
	if o.lazy != nil {
		lazy = *o.lazy
	}
	loads := &atomic.Int64{}
	models := model.New(func(context.Context) (tts.Engine, error) {
		loads.Add(1)
		if o.loadErr != nil {
			return nil, o.loadErr
		}
		return engine, nil
	}, model.Options{LazyLoad: lazy}, nil)

	if o.poolSize == 0 {
		o.poolSize = 2
	}
	pool := workpool.New(o.poolSize)

	cfg := Config{
		MaxTextLength:  50,
		DefaultVoice:   testVoice,
		SampleRate:     24000,
		AudioURLPrefix: "/static/audio/",
	}
	if o.cfg != nil {
		o.cfg(&cfg)
	}

	opts := []Option{WithMetrics(metrics.New())}
	if o.evictor != nil {
		opts = append(opts, WithEvictor(o.evictor(store)))
	}
	svc := New(cfg, store, models, pool, opts...)
	return &fixture{svc: svc, engine: engine, store: store, pool: pool, models: models, loads: loads}
}

func okEngine() *fakeEngine {
	return &fakeEngine{chunks: []tts.Chunk{{0.1, 0.2}, {0.3}}}
}

func TestGenerateThenCached(t *testing.T) {
	f := newFixture(t, okEngine(), fixtureOpts{})
	ctx := context.Background()
	req := Request{Text: "The lights vanished over the bay.", Voice: "default", MysteryID: "m-1"}

	first, err := f.svc.Generate(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, testVoice, first.Voice)
	assert.Equal(t, "/static/audio/"+first.Key+".wav", first.AudioURL)
	assert.Equal(t, int64(1), f.pool.Stats().Completed)
	assert.Equal(t, int64(1), f.engine.calls.Load())

	entries, err := f.store.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(44+3*2), entries[0].Size)

	second, err := f.svc.Generate(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.AudioURL, second.AudioURL)
	assert.Equal(t, int64(1), f.pool.Stats().Completed, "cache hit must not use the pool")
	assert.Equal(t, int64(1), f.engine.calls.Load())
	assert.Equal(t, int64(1), f.loads.Load())
}

func TestTextLengthBoundary(t *testing.T) {
	f := newFixture(t, okEngine(), fixtureOpts{})
	ctx := context.Background()

	_, err := f.svc.Generate(ctx, Request{Text: strings.Repeat("a", 50)})
	require.NoError(t, err)

	_, err = f.svc.Generate(ctx, Request{Text: strings.Repeat("a", 51)})
	require.ErrorIs(t, err, ErrTextTooLong)
	var tooLong *TextTooLongError
	require.ErrorAs(t, err, &tooLong)
	assert.Equal(t, 51, tooLong.Length)
	assert.Equal(t, 50, tooLong.Max)
	assert.Equal(t, int64(1), f.engine.calls.Load(), "no work for rejected text")
}

func TestTextLengthCountsCharacters(t *testing.T) {
	f := newFixture(t, okEngine(), fixtureOpts{})
	_, err := f.svc.Generate(context.Background(), Request{Text: strings.Repeat("é", 50)})
	assert.NoError(t, err)
}

func TestEmptyText(t *testing.T) {
	f := newFixture(t, okEngine(), fixtureOpts{})
	_, err := f.svc.Generate(context.Background(), Request{Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestVoiceResolution(t *testing.T) {
	f := newFixture(t, okEngine(), fixtureOpts{})

	assert.Equal(t, testVoice, f.svc.ResolveVoice(""))
	assert.Equal(t, testVoice, f.svc.ResolveVoice("default"))
	assert.Equal(t, "af_heart", f.svc.ResolveVoice("af_heart"))

	assert.Equal(t, f.svc.Key("hi", ""), f.svc.Key("hi", testVoice))
	assert.NotEqual(t, f.svc.Key("hi", ""), f.svc.Key("hi", "af_heart"))
}

func TestEngineFailureLeavesNoFile(t *testing.T) {
	engine := &fakeEngine{chunks: []tts.Chunk{{0.1}, {0.2}}, err: errors.New("cuda oom"), failAfter: 1}
	f := newFixture(t, engine, fixtureOpts{})

	res, err := f.svc.Generate(context.Background(), Request{Text: "hello"})
	require.Nil(t, res)
	require.ErrorIs(t, err, ErrGenerationFailed)
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "synthesize", genErr.Stage)
	assert.Equal(t, testVoice, genErr.Voice)
	assert.Equal(t, 5, genErr.TextLength)
	assert.ErrorContains(t, err, "cuda oom")

	_, ok := f.store.Lookup(f.svc.Key("hello", ""))
	assert.False(t, ok)
	names, _ := afero.ReadDir(f.store.Fs(), f.store.Dir())
	assert.Empty(t, names)
}

func TestZeroChunksFails(t *testing.T) {
	f := newFixture(t, &fakeEngine{chunks: []tts.Chunk{{}}}, fixtureOpts{})

	_, err := f.svc.Generate(context.Background(), Request{Text: "silence"})
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, errNoAudio)
}

// renameFailFs cannot publish entries.
type renameFailFs struct{ afero.Fs }

func (renameFailFs) Rename(string, string) error { return errors.New("disk full") }

func TestWriteFailureIsStorageAndGeneration(t *testing.T) {
	f := newFixture(t, okEngine(), fixtureOpts{fs: renameFailFs{afero.NewMemMapFs()}})

	_, err := f.svc.Generate(context.Background(), Request{Text: "hello"})
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, ErrStorage)
	var genErr *GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "write", genErr.Stage)

	names, _ := afero.ReadDir(f.store.Fs(), f.store.Dir())
	assert.Empty(t, names, "temp file must be cleaned up")
}

func TestModelNotReady(t *testing.T) {
	t.Run("load failure", func(t *testing.T) {
		f := newFixture(t, okEngine(), fixtureOpts{loadErr: errors.New("no weights")})
		_, err := f.svc.Generate(context.Background(), Request{Text: "hello"})
		assert.ErrorIs(t, err, ErrModelNotReady)
		assert.NotErrorIs(t, err, ErrGenerationFailed)
		assert.False(t, f.svc.Ready())
		assert.Equal(t, "failed", f.svc.Status().State)
		assert.Equal(t, "no weights", f.svc.Status().LastError)
	})

	t.Run("lazy loading disabled", func(t *testing.T) {
		lazy := false
		f := newFixture(t, okEngine(), fixtureOpts{lazy: &lazy})
		_, err := f.svc.Generate(context.Background(), Request{Text: "hello"})
		assert.ErrorIs(t, err, ErrModelNotReady)
		assert.Zero(t, f.loads.Load())

		require.NoError(t, f.svc.Warmup(context.Background()))
		assert.True(t, f.svc.Ready())
		_, err = f.svc.Generate(context.Background(), Request{Text: "hello"})
		assert.NoError(t, err)
	})

	t.Run("cache hit does not need the model", func(t *testing.T) {
		f := newFixture(t, okEngine(), fixtureOpts{loadErr: errors.New("no weights")})
		_, err := f.store.Write(f.svc.Key("hello", ""), []byte("RIFF"))
		require.NoError(t, err)

		res, err := f.svc.Generate(context.Background(), Request{Text: "hello"})
		require.NoError(t, err)
		assert.True(t, res.Cached)
		assert.Zero(t, f.loads.Load())
	})
}

func TestWarmupAndReady(t *testing.T) {
	f := newFixture(t, okEngine(), fixtureOpts{})
	assert.False(t, f.svc.Ready())
	require.NoError(t, f.svc.Warmup(context.Background()))
	assert.True(t, f.svc.Ready())
	assert.Equal(t, 2, f.svc.Status().Workers.Size)
}

func TestGenerateTimeout(t *testing.T) {
	engine := okEngine()
	engine.gate = make(chan struct{})
	defer close(engine.gate)
	f := newFixture(t, engine, fixtureOpts{cfg: func(c *Config) { c.GenerateTimeout = 20 * time.Millisecond }})

	_, err := f.svc.Generate(context.Background(), Request{Text: "slow"})
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTimedOutSynthesisNeverPublishes(t *testing.T) {
	engine := okEngine()
	engine.delay = 50 * time.Millisecond
	f := newFixture(t, engine, fixtureOpts{cfg: func(c *Config) { c.GenerateTimeout = 10 * time.Millisecond }})
	key := f.svc.Key("stubborn", "")

	_, err := f.svc.Generate(context.Background(), Request{Text: "stubborn"})
	require.ErrorIs(t, err, ErrGenerationFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := f.store.Lookup(key)
	assert.False(t, ok, "entry must not exist once Generate fails")

	time.Sleep(100 * time.Millisecond)
	_, ok = f.store.Lookup(key)
	assert.False(t, ok, "the abandoned task must not publish later")
	assert.Zero(t, f.pool.Stats().InFlight)
}

func TestConcurrentMissesWithoutDedupe(t *testing.T) {
	engine := okEngine()
	engine.gate = make(chan struct{})
	f := newFixture(t, engine, fixtureOpts{})

	results := runConcurrent(t, f, engine, 2, "same text")
	for _, r := range results {
		assert.False(t, r.Cached)
		assert.Equal(t, results[0].AudioURL, r.AudioURL)
	}
	assert.Equal(t, int64(2), engine.calls.Load())

	entries, err := f.store.List()
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestConcurrentMissesWithDedupe(t *testing.T) {
	engine := okEngine()
	engine.gate = make(chan struct{})
	f := newFixture(t, engine, fixtureOpts{cfg: func(c *Config) { c.DedupeInFlight = true }})

	results := runConcurrent(t, f, engine, 5, "same text")
	for _, r := range results {
		assert.Equal(t, results[0].AudioURL, r.AudioURL)
	}
	assert.Equal(t, int64(1), engine.calls.Load())
}

// runConcurrent starts n identical requests, holds synthesis until every
// request has passed its cache lookup, then releases the engine.
func runConcurrent(t *testing.T, f *fixture, engine *fakeEngine, n int, text string) []*Result {
	t.Helper()
	results := make([]*Result, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.svc.Generate(context.Background(), Request{Text: text})
		}()
	}

	want := int64(n)
	if f.svc.cfg.DedupeInFlight {
		want = 1
	}
	require.Eventually(t, func() bool { return engine.calls.Load() >= want }, 2*time.Second, time.Millisecond)
	if f.svc.cfg.DedupeInFlight {
		// Let followers reach the singleflight group.
		time.Sleep(20 * time.Millisecond)
	}
	close(engine.gate)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	return results
}

func TestSweepsBeforeGenerate(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))

	f := newFixture(t, okEngine(), fixtureOpts{evictor: func(s *cache.Store) *cache.Evictor {
		return cache.NewEvictor(s, cache.Policy{MaxAge: time.Hour}, nil, cache.WithClock(mock))
	}})
	ctx := context.Background()

	first, err := f.svc.Generate(ctx, Request{Text: "aging"})
	require.NoError(t, err)
	path := f.store.Path(first.Key)
	require.NoError(t, f.store.Fs().Chtimes(path, mock.Now(), mock.Now()))

	mock.Add(2 * time.Hour)

	// The expired entry is swept before lookup, so this is a fresh miss.
	second, err := f.svc.Generate(ctx, Request{Text: "aging"})
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.Equal(t, int64(2), f.engine.calls.Load())
}

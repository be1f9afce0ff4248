package audio

import (
	"context"
	"errors"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expedienterag/internal/config"
)

func testCfg() config.AudioConfig {
	return config.AudioConfig{
		Language:             "es",
		ChunkDurationMinutes: 1,
		ChunkOverlapSeconds:  30,
		ChunkingThresholdMB:  50,
		MaxChunks:            50,
	}
}

// fakeStrategy is a scripted TranscriptionStrategy for the selection and
// fallback tests.
type fakeStrategy struct {
	name      string
	canHandle bool
	res       Result
	err       error
	calls     int
}

func (f *fakeStrategy) CanHandle(sizeBytes int64, cfg config.AudioConfig) bool { return f.canHandle }

func (f *fakeStrategy) Transcribe(ctx context.Context, samples []float32, cfg config.AudioConfig, onProgress ProgressFunc) (Result, error) {
	f.calls++
	return f.res, f.err
}

func (f *fakeStrategy) Name() string { return f.name }

func TestLooksLikeOOM(t *testing.T) {
	assert.True(t, looksLikeOOM(errors.New("ggml: failed to allocate 512 MB")))
	assert.True(t, looksLikeOOM(errors.New("std::bad_alloc")))
	assert.True(t, looksLikeOOM(errors.New("Out Of Memory")))
	assert.False(t, looksLikeOOM(errors.New("invalid sample rate")))
	assert.False(t, looksLikeOOM(nil))
}

func TestStrategySelection_AtThresholdBoundary(t *testing.T) {
	cfg := testCfg()
	threshold := int64(cfg.ChunkingThresholdMB * 1024 * 1024)

	direct := DirectStrategy{}
	chunked := ChunkedStrategy{}

	// Exactly at the threshold still tries the direct strategy first.
	assert.True(t, direct.CanHandle(threshold, cfg))
	assert.False(t, chunked.CanHandle(threshold, cfg))

	// One byte over goes straight to chunking.
	assert.False(t, direct.CanHandle(threshold+1, cfg))
	assert.True(t, chunked.CanHandle(threshold+1, cfg))
}

func TestTranscribeWithStrategies_DirectSucceeds(t *testing.T) {
	direct := &fakeStrategy{name: "direct", canHandle: true, res: Result{Text: "texto directo"}}
	chunked := &fakeStrategy{name: "chunked"}

	res, err := transcribeWithStrategies(context.Background(), nil, 1024, testCfg(), direct, chunked, nil)
	require.NoError(t, err)
	assert.Equal(t, "texto directo", res.Text)
	assert.Equal(t, 1, direct.calls)
	assert.Zero(t, chunked.calls)
}

func TestTranscribeWithStrategies_OOMEscalatesToChunked(t *testing.T) {
	direct := &fakeStrategy{name: "direct", canHandle: true, err: errors.New("ggml: cannot allocate buffer")}
	chunked := &fakeStrategy{name: "chunked", res: Result{Text: "texto por chunks"}}

	res, err := transcribeWithStrategies(context.Background(), nil, 1024, testCfg(), direct, chunked, nil)
	require.NoError(t, err)
	assert.Equal(t, "texto por chunks", res.Text)
	assert.Equal(t, 1, direct.calls)
	assert.Equal(t, 1, chunked.calls)
}

func TestTranscribeWithStrategies_NonOOMErrorPropagates(t *testing.T) {
	direct := &fakeStrategy{name: "direct", canHandle: true, err: errors.New("corrupt stream")}
	chunked := &fakeStrategy{name: "chunked"}

	_, err := transcribeWithStrategies(context.Background(), nil, 1024, testCfg(), direct, chunked, nil)
	require.Error(t, err)
	assert.Zero(t, chunked.calls)
}

func TestTranscribeWithStrategies_OverThresholdSkipsDirect(t *testing.T) {
	direct := &fakeStrategy{name: "direct", canHandle: false}
	chunked := &fakeStrategy{name: "chunked", res: Result{Text: "por chunks"}}

	res, err := transcribeWithStrategies(context.Background(), nil, 1<<30, testCfg(), direct, chunked, nil)
	require.NoError(t, err)
	assert.Equal(t, "por chunks", res.Text)
	assert.Zero(t, direct.calls)
}

func TestChunkWindowCount_CapsAtMaxChunks(t *testing.T) {
	total, truncated := chunkWindowCount(1000, 10, 50)
	assert.Equal(t, 50, total)
	assert.True(t, truncated)

	total, truncated = chunkWindowCount(500, 10, 50)
	assert.Equal(t, 50, total)
	assert.False(t, truncated)

	total, truncated = chunkWindowCount(0, 10, 50)
	assert.Equal(t, 1, total)
	assert.False(t, truncated)
}

func TestChunkedStrategy_SequentialWindowsWithOverlap(t *testing.T) {
	cfg := testCfg()
	step := cfg.ChunkDurationMinutes * 60 * sampleRate
	overlap := cfg.ChunkOverlapSeconds * sampleRate
	samples := make([]float32, step*2+step/2) // 2.5 windows -> 3 chunks

	var lengths []int
	var offsets []time.Duration
	strategy := ChunkedStrategy{run: func(ctx context.Context, s []float32, offset time.Duration, language string) ([]Segment, error) {
		lengths = append(lengths, len(s))
		offsets = append(offsets, offset)
		switch len(offsets) {
		case 1:
			return []Segment{{Text: "hola"}}, nil
		case 2:
			return nil, errors.New("chunk failed") // tolerated, contributes nothing
		default:
			return []Segment{{Text: "mundo"}}, nil
		}
	}}

	res, err := strategy.Transcribe(context.Background(), samples, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "hola mundo", res.Text)

	// First window has no leading overlap; later ones reach back by the
	// configured overlap.
	require.Len(t, lengths, 3)
	assert.Equal(t, step, lengths[0])
	assert.Equal(t, step+overlap, lengths[1])
	assert.Equal(t, step/2+overlap, lengths[2])
	assert.Equal(t, []time.Duration{0, time.Minute, 2 * time.Minute}, offsets)
}

func TestChunkedStrategy_TruncatesBeyondChunkCap(t *testing.T) {
	cfg := testCfg()
	cfg.MaxChunks = 2
	step := cfg.ChunkDurationMinutes * 60 * sampleRate
	samples := make([]float32, step*4) // 4 windows, cap 2

	calls := 0
	strategy := ChunkedStrategy{run: func(ctx context.Context, s []float32, offset time.Duration, language string) ([]Segment, error) {
		calls++
		return []Segment{{Text: "x"}}, nil
	}}

	res, err := strategy.Transcribe(context.Background(), samples, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "x x", res.Text)
}

func TestChunkedStrategy_ProgressFormula(t *testing.T) {
	cfg := testCfg()
	step := cfg.ChunkDurationMinutes * 60 * sampleRate
	samples := make([]float32, step*3)

	var reported []int
	strategy := ChunkedStrategy{run: func(ctx context.Context, s []float32, offset time.Duration, language string) ([]Segment, error) {
		return []Segment{{Text: "x"}}, nil
	}}

	_, err := strategy.Transcribe(context.Background(), samples, cfg, func(p int) { reported = append(reported, p) })
	require.NoError(t, err)
	assert.Equal(t, []int{25, 48, 72, 95}, reported)
}

func TestChunkProgress(t *testing.T) {
	assert.Equal(t, 25, chunkProgress(0, 3))
	assert.Equal(t, 48, chunkProgress(1, 3))
	assert.Equal(t, 72, chunkProgress(2, 3))
	assert.Equal(t, 25, chunkProgress(0, 0))
}

func TestDirectStrategy_EmptyTranscriptionFails(t *testing.T) {
	strategy := DirectStrategy{run: func(ctx context.Context, s []float32, offset time.Duration, language string) ([]Segment, error) {
		return []Segment{{Text: "   "}}, nil
	}}

	_, err := strategy.Transcribe(context.Background(), nil, testCfg(), nil)
	assert.ErrorIs(t, err, ErrEmptyTranscription)
}

func TestDownmixFloat32_AveragesChannels(t *testing.T) {
	buf := &goaudio.IntBuffer{
		Data:           []int{16384, -16384, 32767, 32767},
		SourceBitDepth: 16,
	}
	out := downmixFloat32(buf, 2)
	require.Len(t, out, 2)
	assert.InDelta(t, 0.0, out[0], 1e-6)
	assert.InDelta(t, 1.0, out[1], 1e-3)
}

func TestCollapseSpaces(t *testing.T) {
	assert.Equal(t, "hola mundo", collapseSpaces("  hola   mundo  "))
}

// Package audio implements AudioTranscriber: turns an ingested audio
// file into text using whisper.cpp, choosing between a single-pass direct
// strategy and a windowed chunked strategy by file size
package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"expedienterag/internal/config"
	"expedienterag/internal/observability"
)

// ErrEmptyTranscription is returned when a direct transcription pass yields
// no text at all. The orchestrator treats this the same as any other
// extraction failure; it is never raised for a chunked run, since a
// chunked run keeps going with empty per-chunk text instead of aborting.
var ErrEmptyTranscription = errors.New("audio: transcription produced no text")

// Segment is one transcribed span of audio.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Result is a full transcription.
type Result struct {
	Text     string
	Segments []Segment
	Language string
}

// ProgressFunc reports transcription percent-complete (0-100).
type ProgressFunc func(percent int)

// Transcriber turns an audio file into text.
type Transcriber interface {
	// TranscribeFile selects a strategy by sizeBytes and runs it.
	TranscribeFile(ctx context.Context, path string, sizeBytes int64, cfg config.AudioConfig, onProgress ProgressFunc) (Result, error)
	Close() error
}

const sampleRate = 16000

// asrParams are the fixed ASR parameters applied to every whisper
// pass, direct or chunked.
var asrParams = struct {
	beamSize               int
	conditionOnPrevious    bool
	temperature            float32
	noSpeechThreshold      float32
}{
	beamSize:            5,
	conditionOnPrevious: false,
	temperature:         0.0,
	noSpeechThreshold:   0.6,
}

// oomMarkers are substrings whisper.cpp/ggml is known to emit on allocation
// failure. DirectStrategy escalates to ChunkedStrategy when a transcription
// error contains one of these.
var oomMarkers = []string{"out of memory", "oom", "cannot allocate", "failed to allocate", "bad_alloc"}

func looksLikeOOM(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range oomMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// TranscriptionStrategy is the contract shared by DirectStrategy and
// ChunkedStrategy: "can this strategy handle a file this size, and if
// so, transcribe it."
type TranscriptionStrategy interface {
	CanHandle(sizeBytes int64, cfg config.AudioConfig) bool
	Transcribe(ctx context.Context, samples []float32, cfg config.AudioConfig, onProgress ProgressFunc) (Result, error)
	Name() string
}

// WhisperTranscriber wraps a loaded whisper.cpp model. Loading the model is
// expensive, so one instance is shared across every Transcribe call.
type WhisperTranscriber struct {
	model whisper.Model

	direct  DirectStrategy
	chunked ChunkedStrategy
}

// NewWhisperTranscriber loads the GGML model at modelPath.
func NewWhisperTranscriber(modelPath string) (*WhisperTranscriber, error) {
	if modelPath == "" {
		return nil, fmt.Errorf("audio: whisper model path is empty")
	}
	m, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("audio: load whisper model: %w", err)
	}
	t := &WhisperTranscriber{model: m}
	t.direct = DirectStrategy{model: m}
	t.chunked = ChunkedStrategy{model: m}
	return t, nil
}

func (t *WhisperTranscriber) Close() error {
	return t.model.Close()
}

// TranscribeFile loads the WAV file at path and hands off to the strategy
// pair, dispatching by file size vs cfg.ChunkingThresholdMB.
func (t *WhisperTranscriber) TranscribeFile(ctx context.Context, path string, sizeBytes int64, cfg config.AudioConfig, onProgress ProgressFunc) (Result, error) {
	samples, err := loadPCM(path)
	if err != nil {
		return Result{}, err
	}
	return transcribeWithStrategies(ctx, samples, sizeBytes, cfg, t.direct, t.chunked, onProgress)
}

// transcribeWithStrategies picks the primary strategy by size and applies
// the fallback rule: a direct run that fails with what looks like an
// out-of-memory error is retried once with the chunked strategy instead of
// failing outright. Any other direct failure propagates.
func transcribeWithStrategies(ctx context.Context, samples []float32, sizeBytes int64, cfg config.AudioConfig, direct, chunked TranscriptionStrategy, onProgress ProgressFunc) (Result, error) {
	if direct.CanHandle(sizeBytes, cfg) {
		res, err := direct.Transcribe(ctx, samples, cfg, onProgress)
		if err == nil {
			return res, nil
		}
		if !looksLikeOOM(err) {
			return Result{}, err
		}
		observability.LoggerWithContext(ctx).Warn().Err(err).
			Str("strategy", direct.Name()).
			Msg("audio: direct transcription ran out of memory, escalating to chunked strategy")
	}
	return chunked.Transcribe(ctx, samples, cfg, onProgress)
}

// segmentRunner runs one ASR pass over samples. Production strategies close
// over the whisper model; tests substitute a scripted runner.
type segmentRunner func(ctx context.Context, samples []float32, offset time.Duration, language string) ([]Segment, error)

func modelRunner(model whisper.Model) segmentRunner {
	return func(ctx context.Context, samples []float32, offset time.Duration, language string) ([]Segment, error) {
		return runSegment(model, ctx, samples, offset, language)
	}
}

// DirectStrategy transcribes an entire file in a single ASR pass.
type DirectStrategy struct {
	model whisper.Model
	run   segmentRunner
}

func (d DirectStrategy) runner() segmentRunner {
	if d.run != nil {
		return d.run
	}
	return modelRunner(d.model)
}

func (DirectStrategy) Name() string { return "direct" }

// CanHandle: a file at or under the chunking threshold tries the direct
// pass first; only strictly larger files go straight to chunking.
func (d DirectStrategy) CanHandle(sizeBytes int64, cfg config.AudioConfig) bool {
	thresholdBytes := int64(cfg.ChunkingThresholdMB * 1024 * 1024)
	return thresholdBytes <= 0 || sizeBytes <= thresholdBytes
}

func (d DirectStrategy) Transcribe(ctx context.Context, samples []float32, cfg config.AudioConfig, onProgress ProgressFunc) (Result, error) {
	if onProgress != nil {
		onProgress(25)
	}
	segs, err := d.runner()(ctx, samples, 0, cfg.Language)
	if err != nil {
		return Result{}, fmt.Errorf("audio: direct transcription: %w", err)
	}
	if onProgress != nil {
		onProgress(95)
	}
	res := buildResult(segs)
	if strings.TrimSpace(res.Text) == "" {
		return Result{}, ErrEmptyTranscription
	}
	return res, nil
}

// ChunkedStrategy transcribes a recording in overlapping windows of
// cfg.ChunkDurationMinutes, each overlapping the previous by
// cfg.ChunkOverlapSeconds (the first window has no leading overlap), capped
// at cfg.MaxChunks windows. Chunks run strictly sequentially; a chunk that
// fails to transcribe contributes empty text instead of aborting the job.
type ChunkedStrategy struct {
	model whisper.Model
	run   segmentRunner
}

func (c ChunkedStrategy) runner() segmentRunner {
	if c.run != nil {
		return c.run
	}
	return modelRunner(c.model)
}

func (ChunkedStrategy) Name() string { return "chunked" }

func (c ChunkedStrategy) CanHandle(sizeBytes int64, cfg config.AudioConfig) bool {
	thresholdBytes := int64(cfg.ChunkingThresholdMB * 1024 * 1024)
	return thresholdBytes > 0 && sizeBytes > thresholdBytes
}

func (c ChunkedStrategy) Transcribe(ctx context.Context, samples []float32, cfg config.AudioConfig, onProgress ProgressFunc) (Result, error) {
	durationMinutes := cfg.ChunkDurationMinutes
	if durationMinutes <= 0 {
		durationMinutes = 10
	}
	overlapSeconds := cfg.ChunkOverlapSeconds
	if overlapSeconds < 0 {
		overlapSeconds = 0
	}
	maxChunks := cfg.MaxChunks
	if maxChunks <= 0 {
		maxChunks = 50
	}

	step := durationMinutes * 60 * sampleRate
	overlap := overlapSeconds * sampleRate
	if step <= 0 {
		step = 10 * 60 * sampleRate
	}

	total, truncated := chunkWindowCount(len(samples), step, maxChunks)
	if truncated {
		observability.LoggerWithContext(ctx).Warn().
			Int("max_chunks", maxChunks).
			Msg("audio: recording exceeds the chunk cap, transcription will be truncated")
	}

	var all []Segment
	var b strings.Builder
	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		default:
		}

		windowStart := i * step
		start := windowStart
		if i > 0 {
			start -= overlap
			if start < 0 {
				start = 0
			}
		}
		end := windowStart + step
		if end > len(samples) {
			end = len(samples)
		}
		if start >= end {
			break
		}

		if onProgress != nil {
			onProgress(chunkProgress(i, total))
		}

		offset := time.Duration(windowStart) * time.Second / sampleRate
		segs, err := c.runner()(ctx, samples[start:end], offset, cfg.Language)
		if err != nil {
			observability.LoggerWithContext(ctx).Warn().Err(err).
				Int("chunk", i).Int("total", total).
				Msg("audio: chunk transcription failed, continuing with empty text")
			continue
		}
		all = append(all, segs...)
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		for _, s := range segs {
			b.WriteString(s.Text)
		}
	}

	if onProgress != nil {
		onProgress(95)
	}
	return Result{Text: strings.TrimSpace(collapseSpaces(b.String())), Segments: all}, nil
}

// chunkWindowCount derives how many windows of step samples a recording
// needs, clamped to maxChunks. truncated reports that the tail beyond the
// cap is dropped.
func chunkWindowCount(numSamples, step, maxChunks int) (total int, truncated bool) {
	total = (numSamples + step - 1) / step
	if total < 1 {
		total = 1
	}
	if total > maxChunks {
		return maxChunks, true
	}
	return total, false
}

// chunkProgress implements the formula: 25 + round(i/N*70) for
// i = 0..N-1, reported as each chunk begins. The final 95 is reported
// separately once every chunk has been processed (the "join" step).
func chunkProgress(i, total int) int {
	if total <= 0 {
		return 25
	}
	return 25 + int(float64(i)/float64(total)*70.0+0.5)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// runSegment runs one whisper pass over samples and offsets the returned
// segment timestamps by offset, so chunked transcripts carry timestamps
// relative to the whole recording.
func runSegment(model whisper.Model, ctx context.Context, samples []float32, offset time.Duration, language string) ([]Segment, error) {
	wctx, err := model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("new whisper context: %w", err)
	}
	if language != "" {
		_ = wctx.SetLanguage(language)
	}
	applyASRParams(wctx)

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper process: %w", err)
	}
	var segs []Segment
	for {
		seg, err := wctx.NextSegment()
		if err != nil {
			break
		}
		segs = append(segs, Segment{
			Start: offset + seg.Start,
			End:   offset + seg.End,
			Text:  seg.Text,
		})
	}
	return segs, nil
}

// applyASRParams sets the fixed beam_size/temperature/no_speech_threshold/
// condition_on_previous_text parameters on wctx. Not every
// whisper.cpp Go binding vintage exposes all four as setters, so each one
// is applied through an optional-capability check rather than a hard type
// assertion: this compiles against any binding and silently no-ops on the
// ones that lack a given setter instead of failing to build.
func applyASRParams(wctx whisper.Context) {
	if c, ok := wctx.(interface{ SetBeamSize(int) }); ok {
		c.SetBeamSize(asrParams.beamSize)
	}
	if c, ok := wctx.(interface{ SetTemperature(float32) }); ok {
		c.SetTemperature(asrParams.temperature)
	}
	if c, ok := wctx.(interface{ SetNoSpeechThreshold(float32) }); ok {
		c.SetNoSpeechThreshold(asrParams.noSpeechThreshold)
	}
	if c, ok := wctx.(interface{ SetConditionOnPreviousText(bool) }); ok {
		c.SetConditionOnPreviousText(asrParams.conditionOnPrevious)
	}
}

func buildResult(segs []Segment) Result {
	r := Result{Segments: segs}
	for i, s := range segs {
		if i > 0 {
			r.Text += " "
		}
		r.Text += s.Text
	}
	return r
}

// loadPCM decodes a WAV file into mono float32 samples at 16kHz, the format
// whisper.cpp expects. Non-WAV sources (mp3/m4a) are expected to already
// have been transcoded to WAV upstream in the ingestion pipeline.
func loadPCM(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("audio: %q is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: decode %q: %w", path, err)
	}
	if dec.SampleRate != sampleRate {
		// whisper.cpp requires 16kHz input; upstream conversion (ffmpeg) is
		// expected to have normalized the file before it reaches here.
		return nil, fmt.Errorf("audio: %q sample rate %d, expected %d", path, dec.SampleRate, sampleRate)
	}

	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	return downmixFloat32(buf, channels), nil
}

// downmixFloat32 folds an interleaved PCM buffer down to mono float32 in
// [-1, 1], averaging across channels.
func downmixFloat32(buf *goaudio.IntBuffer, channels int) []float32 {
	maxAmplitude := float32(int(1) << (buf.SourceBitDepth - 1))
	if buf.SourceBitDepth == 0 {
		maxAmplitude = float32(1 << 15)
	}

	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]) / maxAmplitude
		}
		out[i] = sum / float32(channels)
	}
	return out
}

var _ Transcriber = (*WhisperTranscriber)(nil)

// Command whisper-go is a standalone diagnostic CLI for exercising the audio
// transcription pipeline against a single WAV file, independent of the
// ingestion queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"

	"expedienterag/internal/audio"
	"expedienterag/internal/config"
)

func main() {
	var modelPath string
	var language string

	flag.StringVar(&modelPath, "model", "", "Path to the whisper GGML model file")
	flag.StringVar(&language, "lang", "es", "Audio language hint")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s -model <model_path> <audio_file.wav>\n", os.Args[0])
		os.Exit(1)
	}
	audioPath := args[0]

	if modelPath == "" {
		fmt.Fprintln(os.Stderr, "error: -model flag is required")
		os.Exit(1)
	}
	if err := mustExist(modelPath, "model file"); err != nil {
		log.Fatal(err)
	}
	if err := mustExist(audioPath, "audio file"); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("loading model: %s\n", modelPath)
	transcriber, err := audio.NewWhisperTranscriber(modelPath)
	if err != nil {
		log.Fatalf("load model: %v", err)
	}
	defer transcriber.Close()

	info, err := os.Stat(audioPath)
	if err != nil {
		log.Fatalf("stat audio file: %v", err)
	}

	cfg := config.AudioConfig{
		ChunkDurationMinutes: 10,
		ChunkOverlapSeconds:  30,
		ChunkingThresholdMB:  50,
		MaxChunks:            50,
		Language:             language,
	}

	fmt.Printf("transcribing: %s\n", audioPath)
	result, err := transcriber.TranscribeFile(context.Background(), audioPath, info.Size(), cfg, func(pct int) {
		fmt.Printf("progress: %d%%\n", pct)
	})
	if err != nil {
		log.Fatalf("transcribe: %v", err)
	}

	for _, seg := range result.Segments {
		fmt.Printf("[%6s->%6s] %s\n", seg.Start, seg.End, seg.Text)
	}
}

func mustExist(path, label string) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s does not exist: %s", label, path)
	}
	return fmt.Errorf("stat %s: %w", path, err)
}

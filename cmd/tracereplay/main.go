// Command tracereplay replays a recorded chunk stream (JSON Lines) through
// the tracing stream, proving the passthrough contract while exporting the
// reconstructed span tree — to an OTLP endpoint when one is configured, or to
// an in-memory backend whose summary is logged at exit.
//
//	tracereplay -input stream.jsonl
//	cat stream.jsonl | tracereplay
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/blind05/mastra"
	"github.com/blind05/mastra/internal/config"
	"github.com/blind05/mastra/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	inputPath := flag.String("input", "-", "chunk stream to replay (JSON Lines); - for stdin")
	flag.Parse()

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tracereplay: %v\n", err)
		return 1
	}

	level, _ := cfg.SlogLevel() // validated by Load
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.ReplayTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, cfg.ReplayTimeout)
		defer tcancel()
	}

	if err := run(ctx, cfg, logger, *inputPath); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, inputPath string) error {
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	in := os.Stdin
	if inputPath != "-" {
		f, err := os.Open(inputPath)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		in = f
	}

	name := cfg.GenerationID
	if name == "" {
		name = "replay"
	}

	// Pick the span backend: real OTEL spans when an endpoint is configured,
	// otherwise the in-memory backend so the run still produces a summary.
	var (
		generation mastra.Span
		memory     *mastra.MemorySpanner
	)
	if cfg.OTELEndpoint != "" {
		generation = mastra.OTelGeneration(ctx, telemetry.Tracer("mastra/tracereplay"), name, nil)
		logger.Info("span backend: otlp", "endpoint", cfg.OTELEndpoint, "service", cfg.ServiceName)
	} else {
		memory = mastra.NewMemorySpanner()
		generation = memory.Generation(name)
		logger.Info("span backend: memory (no OTEL_EXPORTER_OTLP_ENDPOINT)")
	}

	tracker := mastra.NewSpanTracker(generation, mastra.WithLogger(logger))
	tracer := mastra.NewStreamTracer(tracker, mastra.WithLogger(logger))

	chunks := make(chan mastra.Chunk)
	var forwarded int

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(chunks)
		return readChunks(gctx, in, chunks)
	})

	g.Go(func() error {
		enc := json.NewEncoder(os.Stdout)
		for c := range tracer.Pipe(gctx, chunks) {
			forwarded++
			if cfg.EchoChunks {
				if err := enc.Encode(c); err != nil {
					return fmt.Errorf("echo chunk: %w", err)
				}
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	generation.End(nil)

	logger.Info("replay complete",
		"chunks_forwarded", forwarded,
		"chunk_spans_completed", len(tracker.CompletedSpans()),
	)
	if memory != nil {
		logger.Info("span tree",
			"generations", len(memory.RecordsOfType(mastra.SpanGeneration)),
			"steps", len(memory.RecordsOfType(mastra.SpanStep)),
			"chunks", len(memory.RecordsOfType(mastra.SpanChunk)),
		)
	}
	return nil
}

// readChunks decodes one JSON chunk per line and sends it downstream. Blank
// lines are skipped; a malformed line aborts the replay so a half-parsed
// stream never masquerades as a complete trace.
func readChunks(ctx context.Context, r io.Reader, out chan<- mastra.Chunk) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var c mastra.Chunk
		if err := json.Unmarshal(raw, &c); err != nil {
			return fmt.Errorf("line %d: decode chunk: %w", line, err)
		}
		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

// Atelier Pipeline Runner
//
// Runs a natural language requirement through the generation pipeline:
// requirement analysis, the producer/critic revision loop, and the concurrent
// downstream stages.
//
// Usage:
//
//	go run ./cmd/atelier -requirement "Build a URL shortener service"
//	go run ./cmd/atelier -requirement-file req.txt -save
//	go build -o atelier ./cmd/atelier && ./atelier -config atelier.yaml -save
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"

	"github.com/atelier-sh/atelier/engine/config"
	"github.com/atelier-sh/atelier/engine/events"
	"github.com/atelier-sh/atelier/engine/llm"
	"github.com/atelier-sh/atelier/engine/observability"
	"github.com/atelier-sh/atelier/engine/orchestrator"
	"github.com/atelier-sh/atelier/engine/roles"
	"github.com/atelier-sh/atelier/engine/runctx"
	"github.com/atelier-sh/atelier/persist"
)

// logLevels orders levels for the verbosity filter.
var logLevels = map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}

// stdLogger implements roles.Logger using standard library log.
type stdLogger struct {
	minLevel int
	fields   []any
}

func newStdLogger(level string) *stdLogger {
	min, ok := logLevels[strings.ToUpper(level)]
	if !ok {
		min = logLevels["INFO"]
	}
	return &stdLogger{minLevel: min}
}

func (l *stdLogger) logf(level, msg string, keysAndValues ...any) {
	if logLevels[level] < l.minLevel {
		return
	}
	all := append(append([]any(nil), l.fields...), keysAndValues...)
	if len(all) == 0 {
		log.Printf("[%s] %s", level, msg)
		return
	}
	log.Printf("[%s] %s %v", level, msg, all)
}

func (l *stdLogger) Debug(msg string, keysAndValues ...any) { l.logf("DEBUG", msg, keysAndValues...) }
func (l *stdLogger) Info(msg string, keysAndValues ...any)  { l.logf("INFO", msg, keysAndValues...) }
func (l *stdLogger) Warn(msg string, keysAndValues ...any)  { l.logf("WARN", msg, keysAndValues...) }
func (l *stdLogger) Error(msg string, keysAndValues ...any) { l.logf("ERROR", msg, keysAndValues...) }

func (l *stdLogger) Bind(fields ...any) roles.Logger {
	return &stdLogger{
		minLevel: l.minLevel,
		fields:   append(append([]any(nil), l.fields...), fields...),
	}
}

func main() {
	configPath := flag.String("config", "", "path to YAML engine configuration")
	requirement := flag.String("requirement", "", "project requirement text")
	requirementFile := flag.String("requirement-file", "", "file containing the requirement text")
	save := flag.Bool("save", false, "persist run artifacts to the output directory")
	maxRounds := flag.Int("max-rounds", 0, "override max revision rounds (0 uses config)")
	timeout := flag.Duration("timeout", 0, "overall run timeout (0 disables)")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP gRPC trace collector endpoint (empty disables tracing)")
	flag.Parse()

	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg := config.DefaultEngineConfig()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := newStdLogger(cfg.LogLevel)
	logger.Info("atelier_starting", "pipeline", cfg.Pipeline.Name, "model", cfg.Generation.Model)

	req, err := resolveRequirement(*requirement, *requirementFile)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn("shutdown_signal_received", "signal", sig.String())
		cancel()
	}()

	if *otlpEndpoint != "" {
		shutdown, err := observability.InitTracer("atelier", *otlpEndpoint)
		if err != nil {
			logger.Warn("tracing_init_failed", "error", err.Error())
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = shutdown(shutdownCtx)
			}()
		}
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics_endpoint_listening", "address", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics_endpoint_failed", "error", err.Error())
			}
		}()
	}

	bus := events.NewBus()
	bus.SubscribeAll(progressPrinter())

	provider := llm.NewClient(cfg.Generation, logger)
	pipeline, err := orchestrator.New(cfg, provider, logger, bus)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	result := pipeline.Execute(ctx, req, orchestrator.RunOptions{
		SaveOutputs:       *save,
		MaxRevisionRounds: *maxRounds,
		Timeout:           *timeout,
	})

	printSummary(result)

	if result.SaveRequested {
		writer := persist.NewWriter(cfg.OutputDir, logger)
		dir, err := writer.Write(result)
		if err != nil {
			logger.Error("artifact_save_failed", "error", err.Error())
		} else {
			fmt.Printf("Artifacts saved to %s\n", dir)
		}
	}

	switch result.Status {
	case runctx.StatusSuccess:
		os.Exit(0)
	case runctx.StatusPartialFailure:
		os.Exit(2)
	default:
		os.Exit(1)
	}
}

func resolveRequirement(text, file string) (string, error) {
	if text != "" && file != "" {
		return "", fmt.Errorf("use either -requirement or -requirement-file, not both")
	}
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read requirement file: %w", err)
		}
		text = string(raw)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("a requirement is required: pass -requirement or -requirement-file")
	}
	return text, nil
}

func progressPrinter() events.Handler {
	return func(e events.Event) {
		switch ev := e.(type) {
		case events.RunStarted:
			fmt.Printf("run %s started\n", ev.RunID)
		case events.StageStarted:
			fmt.Printf("  [%s] started\n", ev.Stage)
		case events.StageCompleted:
			if ev.Status == "success" {
				fmt.Printf("  [%s] completed in %s\n", ev.Stage, ev.Duration.Round(time.Millisecond))
			} else {
				fmt.Printf("  [%s] FAILED: %s\n", ev.Stage, ev.Err)
			}
		case events.RunCompleted:
			fmt.Printf("run %s finished: %s (%d iterations, %s)\n",
				ev.RunID, ev.Status, ev.Iterations, ev.Duration.Round(time.Millisecond))
		}
	}
}

func printSummary(result *runctx.RunResult) {
	fmt.Printf("\nRun %s: %s\n", result.RunID, result.Status)
	fmt.Printf("  iterations: %d\n", result.Iterations)
	fmt.Printf("  duration:   %s\n", result.Duration.Round(time.Millisecond))
	if result.FailedStage != "" {
		fmt.Printf("  failed stage: %s (%s)\n", result.FailedStage, result.FailureKind)
	}
	for stage, res := range result.Stages {
		mark := "ok"
		if !res.OK() {
			mark = "FAILED: " + res.Error
		}
		fmt.Printf("  %-15s %s\n", stage, mark)
	}
}

// cmd/model-runner/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.uber.org/zap"

	"github.com/SyedDaiam9101/model-runner/internal/config"
	"github.com/SyedDaiam9101/model-runner/internal/inference"
	"github.com/SyedDaiam9101/model-runner/internal/logging"
	"github.com/SyedDaiam9101/model-runner/internal/model"
	"github.com/SyedDaiam9101/model-runner/internal/resolver"
)

const serviceName = "model-runner"

type options struct {
	configFile string
	model      string
	compute    string
	cacheDir   string
	useMock    bool
	metrics    string
	mode       string
	inputs     listFlag
	pixels     listFlag
	bindings   listFlag
	fill       float64
	rows       int
	inMemory   bool
}

func main() {
	var o options
	flag.StringVar(&o.configFile, "config", "", "Path to config file (optional)")
	flag.StringVar(&o.model, "model", "", "Model path (.mlpackage, .mlmodel, .onnx, or a .zip package)")
	flag.StringVar(&o.compute, "compute", "", "Compute platform: all, cpu, cpu_and_ane, cpu_and_gpu")
	flag.StringVar(&o.cacheDir, "cache-dir", "", "Extraction cache for zipped packages")
	flag.BoolVar(&o.useMock, "mock", false, "Use the echoing mock executor (for testing)")
	flag.StringVar(&o.metrics, "metrics", "", "Serve Prometheus metrics on this address, e.g. :9100")
	flag.StringVar(&o.mode, "mode", "predict", "describe, predict, batch or pixel")
	flag.Var(&o.inputs, "input", "Tensor input name=d0xd1x... (repeatable; default derives inputs from the model)")
	flag.Var(&o.pixels, "pixel", "BGRA image input name=WxH (repeatable)")
	flag.Var(&o.bindings, "state-binding", "Feed output back into input: out=in (repeatable)")
	flag.Float64Var(&o.fill, "fill", 1, "Value every generated input element is filled with")
	flag.IntVar(&o.rows, "rows", 10, "Number of identical rows in batch mode")
	flag.BoolVar(&o.inMemory, "read", false, "Read the model into memory and load it from bytes")
	flag.Parse()

	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run(o options) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("starting",
		zap.String("model", cfg.Model),
		zap.String("compute", cfg.ComputePlatform),
		zap.String("executor", cfg.Executor),
		zap.String("mode", o.mode),
		zap.Bool("otel", cfg.OTELEnabled))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTELEnabled {
		shutdown, err := initTracer()
		if err != nil {
			logger.Warn("failed to initialize tracer", zap.Error(err))
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				shutdown(sctx)
			}()
		}
	}

	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(sctx)
		}()
	}

	opts, err := cfg.ModelOptions()
	if err != nil {
		return err
	}
	if opts.StateBindings, err = parseBindings(o.bindings); err != nil {
		return err
	}

	cache, err := resolver.NewDirCache(cfg.CacheDir, resolver.WithCacheLogger(logger))
	if err != nil {
		return err
	}
	watcher, err := cache.Watch(ctx)
	if err != nil {
		logger.Warn("cache watch unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	exec, err := newExecutor(cfg, logger, filepath.Join(cache.Base(), inference.CompiledDirName))
	if err != nil {
		return err
	}
	defer exec.Close()

	src, err := modelSource(cfg.Model, o.inMemory)
	if err != nil {
		return err
	}

	h, err := model.Load(ctx, src, opts,
		model.WithExecutor(exec),
		model.WithResolver(resolver.New(cache, resolver.WithLogger(logger))),
		model.WithLogger(logger))
	if err != nil {
		return err
	}
	defer h.Close()

	switch o.mode {
	case "describe":
		printDescription(h.Description())
		return nil
	case "predict":
		return predictOnce(ctx, h, o)
	case "batch":
		return predictBatch(ctx, h, o)
	case "pixel":
		return predictPixels(ctx, h, o)
	default:
		return fmt.Errorf("unknown mode %q", o.mode)
	}
}

// loadConfig merges the config file and environment with flags given on
// the command line.
func loadConfig(o options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configFile != "" {
		cfg, err = config.LoadWithConfigFile(o.configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	// Override with flags if provided
	if o.model != "" {
		cfg.Model = o.model
	}
	if o.compute != "" {
		cfg.ComputePlatform = o.compute
	}
	if o.cacheDir != "" {
		cfg.CacheDir = o.cacheDir
	}
	if o.metrics != "" {
		cfg.MetricsAddr = o.metrics
	}
	if o.useMock {
		cfg.UseMockInference = true
		cfg.Executor = config.ExecutorMock
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newExecutor(cfg *config.Config, logger *zap.Logger, compileCache string) (inference.Executor, error) {
	if cfg.Executor == config.ExecutorMock {
		logger.Info("using mock executor")
		return inference.NewMock(), nil
	}
	exec, err := inference.NewONNX(cfg.ORTLibrary, logger, inference.WithCompileCache(compileCache))
	if err != nil {
		return nil, fmt.Errorf("failed to initialise onnxruntime: %w", err)
	}
	return exec, nil
}

// modelSource reads zipped packages into memory so the resolver can extract
// them into the cache. Everything else loads from its path unless inMemory.
func modelSource(path string, inMemory bool) (resolver.Source, error) {
	if path == "" {
		// mock runs need no artifact on disk
		return resolver.FromBytes([]byte("mock")), nil
	}
	if !inMemory && !strings.EqualFold(filepath.Ext(path), ".zip") {
		return resolver.FromPath(path), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return resolver.Source{}, fmt.Errorf("failed to read model: %w", err)
	}
	return resolver.FromBytes(data), nil
}

func startMetricsServer(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server error", zap.Error(err))
		}
	}()

	return server
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-winograd/internal/device"
	"github.com/23skdu/longbow-winograd/internal/tuning"
)

var (
	shapesFlag    = flag.String("shapes", "1x32x32x16,1x64x64x32", "Comma separated NHWC input shapes (e.g. 1x32x32x16)")
	precision     = flag.String("precision", "fp32", "Precision (fp32, fp16)")
	paddingFlag   = flag.String("padding", "same", "Padding policy of the 3x3 convolution (valid, same, full)")
	stridesFlag   = flag.String("strides", "1", "Convolution strides as S or H,W")
	dilationsFlag = flag.String("dilations", "1", "Convolution dilations as D or H,W")
	activation    = flag.String("activation", "noop", "Inverse activation (noop, relu, relux, prelu, tanh, sigmoid)")
	reluxLimit    = flag.Float64("relux-limit", 6, "Clamp limit for relux")
	preluAlpha    = flag.Float64("prelu-alpha", 0.25, "Negative slope for prelu")
	useBias       = flag.Bool("bias", false, "Add a per-channel bias in the inverse transform")
	tune          = flag.Bool("tune", tuning.DefaultConfig().Enabled, "Benchmark local work sizes on first dispatch (env "+tuning.EnvTuning+")")
	tuningFile    = flag.String("tuning-file", "", "CBOR file to load and save the tuning table")
	reportPath    = flag.String("report", "", "Write the tuning table as an Arrow IPC stream to this path")
	iterations    = flag.Int("iterations", 10, "Timed iterations per shape")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	maxConcurrent = flag.Int("max-concurrent", 4, "Maximum number of concurrent /transform requests")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	dt, err := device.ParseDataType(*precision)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid precision")
	}
	act, err := device.ParseActivation(*activation)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid activation")
	}
	shapes, err := parseShapes(*shapesFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid shapes")
	}
	strides, err := parsePair(*stridesFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid strides")
	}
	dilations, err := parsePair(*dilationsFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid dilations")
	}

	opts := Options{
		DataType:      dt,
		Padding:       *paddingFlag,
		Strides:       strides,
		Dilations:     dilations,
		Activation:    act,
		Bias:          *useBias,
		ReluxMaxLimit: float32(*reluxLimit),
		PReLUAlpha:    float32(*preluAlpha),
	}
	fcfg, err := opts.ForwardConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid padding")
	}

	tcfg := tuning.DefaultConfig()
	tcfg.Enabled = *tune
	tcfg.Path = *tuningFile
	tuner := tuning.New(tcfg)
	if err := tuner.Load(); err != nil {
		log.Warn().Err(err).Msg("Ignoring tuning table")
	}

	rt := device.NewCPURuntime()
	defer rt.Close()
	log.Info().
		Str("runtime", rt.Name()).
		Str("device", rt.DeviceName()).
		Str("precision", dt.String()).
		Stringer("padding", fcfg.Padding).
		Ints("strides", fcfg.Strides[:]).
		Ints("dilations", fcfg.Dilations[:]).
		Bool("tuning", tcfg.Enabled).
		Msg("Initialized runtime")

	if *listenAddr != "" {
		go startServer(*listenAddr, NewServer(rt, tuner, fcfg, *maxConcurrent))
	}

	ctx := context.Background()
	for _, shape := range shapes {
		if err := benchmarkShape(ctx, rt, tuner, shape, opts, *iterations); err != nil {
			log.Fatal().Err(err).Ints("shape", shape).Msg("Transform failed")
		}
	}

	if err := tuner.Save(); err != nil {
		log.Error().Err(err).Msg("Failed to save tuning table")
	}
	if *reportPath != "" {
		if err := writeReport(tuner, *reportPath); err != nil {
			log.Error().Err(err).Msg("Failed to write tuning report")
		}
	}

	if *listenAddr != "" {
		select {}
	}
}

func benchmarkShape(ctx context.Context, rt device.Runtime, tuner *tuning.Tuner, shape []int, opts Options, iterations int) error {
	p, err := NewPipeline(rt, tuner, shape, opts)
	if err != nil {
		return err
	}
	defer p.Release()

	// First run builds both kernels and tunes them.
	warmup, err := p.Run(ctx)
	if err != nil {
		return err
	}

	var total time.Duration
	for i := 0; i < iterations; i++ {
		elapsed, err := p.Run(ctx)
		if err != nil {
			return err
		}
		total += elapsed
	}

	ev := log.Info().
		Ints("shape", shape).
		Ints("packed_shape", p.PackedShape()).
		Dur("first_run", warmup)
	if iterations > 0 {
		ev = ev.Dur("avg", total/time.Duration(iterations))
	}
	ev.Msg("Transformed shape")
	return nil
}

func writeReport(tuner *tuning.Tuner, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tuner.WriteReport(f); err != nil {
		f.Close()
		return err
	}
	log.Info().Str("path", path).Msg("Wrote tuning report")
	return f.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("winograd"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}

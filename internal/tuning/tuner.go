package tuning

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/23skdu/longbow-winograd/internal/cache"
	"github.com/23skdu/longbow-winograd/internal/device"
)

// EnvTuning switches benchmarking on ("1") or off ("0") regardless of flags.
const EnvTuning = "WINOGRAD_TUNING"

var ErrNoViableWorkGroup = errors.New("no viable local work size")

var tracer = otel.Tracer("winograd-tuning")

// Config controls the tuner.
type Config struct {
	// Enabled benchmarks candidates on the first dispatch of an unknown key.
	// When false, unknown keys run with the caller's preferred local size.
	Enabled bool
	// Runs is the number of timed executions per candidate; the fastest counts.
	Runs int
	// Path is the CBOR file the tuning table is loaded from and saved to.
	Path string
}

func DefaultConfig() Config {
	cfg := Config{Enabled: true, Runs: 1}
	if v, ok := os.LookupEnv(EnvTuning); ok {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Enabled = enabled
		}
	}
	return cfg
}

// Tuner picks local work sizes for 2-D kernels per device and key, and
// remembers the winners. It is safe for concurrent use.
type Tuner struct {
	cfg    Config
	params cache.ParamCache
	group  singleflight.Group
}

func New(cfg Config) *Tuner {
	if cfg.Runs <= 0 {
		cfg.Runs = 1
	}
	return &Tuner{
		cfg:    cfg,
		params: cache.NewMapCache(),
	}
}

func (t *Tuner) Config() Config {
	return t.cfg
}

// tableKey scopes a tuning key by device and launch grid.
func tableKey(rt device.Runtime, key string, gws [2]uint32) string {
	return fmt.Sprintf("%s/%s_%d_%d", rt.DeviceName(), key, gws[0], gws[1])
}

// Params returns the recorded local work size for key on rt's device.
func (t *Tuner) Params(rt device.Runtime, key string, gws [2]uint32) ([3]uint32, bool) {
	var lws [3]uint32
	p, ok := t.params.Get(tableKey(rt, key, gws))
	if !ok || len(p) != 3 {
		return lws, false
	}
	copy(lws[:], p)
	return lws, true
}

// TuningOrRun2DKernel enqueues k over gws. A recorded local size for key is
// used directly; otherwise, with tuning enabled, candidates (lws first) are
// benchmarked synchronously and the fastest is recorded and used. With tuning
// disabled an unknown key runs with lws.
func (t *Tuner) TuningOrRun2DKernel(ctx context.Context, rt device.Runtime, k device.Kernel, key string, gws [2]uint32, lws [3]uint32) (*device.Future, error) {
	ctx, span := tracer.Start(ctx, "TuningOrRun2DKernel")
	defer span.End()
	span.SetAttributes(
		attribute.String("kernel", k.Name()),
		attribute.String("key", key),
		attribute.Int64("gws0", int64(gws[0])),
		attribute.Int64("gws1", int64(gws[1])),
	)

	dispatches.WithLabelValues(k.Name()).Inc()
	tk := tableKey(rt, key, gws)

	if p, ok := t.params.Get(tk); ok && len(p) == 3 {
		tuningHits.Inc()
		span.SetAttributes(attribute.Bool("tuned", true))
		return rt.Enqueue2D(ctx, k, gws, [3]uint32{p[0], p[1], p[2]})
	}
	tuningMisses.Inc()

	if !t.cfg.Enabled {
		return rt.Enqueue2D(ctx, k, gws, lws)
	}

	v, err, _ := t.group.Do(tk, func() (any, error) {
		if p, ok := t.params.Get(tk); ok && len(p) == 3 {
			return [3]uint32{p[0], p[1], p[2]}, nil
		}
		best, err := t.tune(ctx, rt, k, gws, lws)
		if err != nil {
			return nil, err
		}
		t.params.Put(tk, best[:])
		return best, nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("tune %s: %w", key, err)
	}
	best := v.([3]uint32)
	span.SetAttributes(attribute.Bool("tuned", true))
	return rt.Enqueue2D(ctx, k, gws, best)
}

func (t *Tuner) tune(ctx context.Context, rt device.Runtime, k device.Kernel, gws [2]uint32, lws [3]uint32) ([3]uint32, error) {
	ctx, span := tracer.Start(ctx, "tune")
	defer span.End()

	candidates := Candidates(lws, gws, rt.KernelMaxWorkGroupSize(k))
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	var (
		best     [3]uint32
		bestTime time.Duration = -1
		lastErr  error
	)
	for _, c := range candidates {
		elapsed, err := t.measure(ctx, rt, k, gws, c)
		if err != nil {
			if ctx.Err() != nil {
				return best, ctx.Err()
			}
			lastErr = err
			log.Debug().Err(err).Str("kernel", k.Name()).Uints32("lws", c[:]).Msg("Tuning candidate rejected")
			continue
		}
		tuningCandidates.Inc()
		candidateDuration.Observe(elapsed.Seconds())
		if bestTime < 0 || elapsed < bestTime {
			best, bestTime = c, elapsed
		}
	}

	if bestTime < 0 {
		if lastErr == nil {
			return best, ErrNoViableWorkGroup
		}
		return best, fmt.Errorf("%w: %w", ErrNoViableWorkGroup, lastErr)
	}

	log.Debug().
		Str("kernel", k.Name()).
		Str("device", rt.DeviceName()).
		Uints32("gws", gws[:]).
		Uints32("lws", best[:]).
		Dur("elapsed", bestTime).
		Msg("Tuned local work size")
	return best, nil
}

// measure runs one candidate cfg.Runs times and returns its fastest time.
func (t *Tuner) measure(ctx context.Context, rt device.Runtime, k device.Kernel, gws [2]uint32, lws [3]uint32) (time.Duration, error) {
	fastest := time.Duration(-1)
	for i := 0; i < t.cfg.Runs; i++ {
		f, err := rt.Enqueue2D(ctx, k, gws, lws)
		if err != nil {
			return 0, err
		}
		if err := f.Wait(ctx); err != nil {
			return 0, err
		}
		if d := f.Stats().Duration(); fastest < 0 || d < fastest {
			fastest = d
		}
	}
	return fastest, nil
}

// Candidates returns the local work sizes to benchmark: preferred first, then
// shapes derived from the grid and the kernel's max work-group size kwg.
// Sizes with a zero dimension or more than kwg work items are dropped.
func Candidates(preferred [3]uint32, gws [2]uint32, kwg uint32) [][3]uint32 {
	l0 := max(1, min(gws[0], kwg))
	l1 := max(1, min(gws[1], kwg/l0))

	all := [][3]uint32{
		preferred,
		{l0, l1, 1},
		{l1, l0, 1},
	}
	for _, split := range []uint32{4, 8, 16, 32, 64, 128, 256, 512} {
		all = append(all, [3]uint32{kwg / split, split, 1})
	}
	all = append(all, [3]uint32{kwg, 1, 1}, [3]uint32{1, kwg, 1})

	seen := make(map[[3]uint32]bool, len(all))
	out := make([][3]uint32, 0, len(all))
	for _, c := range all {
		if c[0] == 0 || c[1] == 0 || c[2] == 0 {
			continue
		}
		if uint64(c[0])*uint64(c[1])*uint64(c[2]) > uint64(kwg) {
			continue
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

package device

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ensure interface compliance
var _ Runtime = (*CPURuntime)(nil)
var _ Kernel = (*cpuKernel)(nil)

// numWorkers defines the default parallelism for work-group execution
var numWorkers = runtime.NumCPU()

// CPUConfig configures the reference runtime.
type CPUConfig struct {
	// MaxWorkGroupSize bounds the product of a launch's local sizes.
	MaxWorkGroupSize uint32
	// Workers is the number of work-groups executed concurrently.
	Workers int
	// QueueDepth is the command queue capacity before Enqueue2D blocks.
	QueueDepth int
}

func DefaultCPUConfig() CPUConfig {
	return CPUConfig{
		MaxWorkGroupSize: 1024,
		Workers:          numWorkers,
		QueueDepth:       1024,
	}
}

// workItem runs one work item at global id (x, y).
type workItem func(x, y int)

// kernelFunc decodes bound arguments for a launch of the given global size.
type kernelFunc func(args []any, gsize [2]int) (workItem, error)

// kernelBuilder compiles a program variant into a launchable function.
type kernelBuilder func(v Variant) (launch kernelFunc, numArgs int)

type programKey struct {
	program string
	kernel  string
	variant Variant
}

type cpuProgram struct {
	key     programKey
	defines []string
	launch  kernelFunc
	numArgs int
}

type cpuKernel struct {
	rt   *CPURuntime
	prog *cpuProgram
	args []any
}

func (k *cpuKernel) Name() string     { return k.prog.key.kernel }
func (k *cpuKernel) Variant() Variant { return k.prog.key.variant }
func (k *cpuKernel) NumArgs() int     { return k.prog.numArgs }

func (k *cpuKernel) SetArg(idx int, v any) error {
	if idx < 0 || idx >= len(k.args) {
		return fmt.Errorf("%w: index %d out of range for %s (%d args)", ErrInvalidArg, idx, k.Name(), len(k.args))
	}
	if v == nil {
		return fmt.Errorf("%w: nil value for %s arg %d", ErrInvalidArg, k.Name(), idx)
	}
	k.args[idx] = v
	return nil
}

type command struct {
	ctx    context.Context
	name   string
	item   workItem // nil for markers
	gws    [2]int
	lws    [3]int
	future *Future
}

// CPURuntime executes kernels on the host. It models an in-order device queue:
// commands run one after another in submission order, while the work-groups of a
// single command run in parallel.
type CPURuntime struct {
	cfg CPUConfig

	mu       sync.Mutex
	programs map[programKey]*cpuProgram
	closed   bool

	queue   chan *command
	pending atomic.Int64
	stopped chan struct{}

	poolMu         sync.Mutex
	buckets        map[poolKey][]*Image // Safe to reuse
	pendingBuckets map[poolKey][]*Image // May still be read by queued commands
}

type poolKey struct {
	dtype  DataType
	bucket int
}

func NewCPURuntime() *CPURuntime {
	return NewCPURuntimeWithConfig(DefaultCPUConfig())
}

func NewCPURuntimeWithConfig(cfg CPUConfig) *CPURuntime {
	if cfg.MaxWorkGroupSize == 0 {
		cfg.MaxWorkGroupSize = DefaultCPUConfig().MaxWorkGroupSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = numWorkers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultCPUConfig().QueueDepth
	}
	r := &CPURuntime{
		cfg:            cfg,
		programs:       make(map[programKey]*cpuProgram),
		queue:          make(chan *command, cfg.QueueDepth),
		stopped:        make(chan struct{}),
		buckets:        make(map[poolKey][]*Image),
		pendingBuckets: make(map[poolKey][]*Image),
	}
	go r.loop()
	return r
}

func (r *CPURuntime) Name() string {
	return "CPU"
}

func (r *CPURuntime) DeviceName() string {
	return fmt.Sprintf("cpu-%s-%s-wg%d", runtime.GOOS, runtime.GOARCH, r.cfg.MaxWorkGroupSize)
}

func (r *CPURuntime) KernelMaxWorkGroupSize(Kernel) uint32 {
	return r.cfg.MaxWorkGroupSize
}

// ProgramCount returns the number of distinct program variants built so far.
func (r *CPURuntime) ProgramCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.programs)
}

func (r *CPURuntime) BuildKernel(program, kernel string, v Variant) (Kernel, error) {
	key := programKey{program: program, kernel: kernel, variant: v}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRuntimeClosed
	}

	prog, ok := r.programs[key]
	if ok {
		programCacheHits.WithLabelValues(kernel).Inc()
	} else {
		builder, found := cpuPrograms[program][kernel]
		if !found {
			return nil, fmt.Errorf("%w: %s/%s", ErrUnknownKernel, program, kernel)
		}
		defines, err := v.Defines(kernel, kernel)
		if err != nil {
			return nil, fmt.Errorf("build %s: %w", kernel, err)
		}
		launch, numArgs := builder(v)
		prog = &cpuProgram{key: key, defines: defines, launch: launch, numArgs: numArgs}
		r.programs[key] = prog
		programBuilds.WithLabelValues(kernel).Inc()
		log.Debug().Str("kernel", kernel).Strs("defines", defines).Msg("Built kernel program")
	}

	return &cpuKernel{rt: r, prog: prog, args: make([]any, prog.numArgs)}, nil
}

func (r *CPURuntime) checkWorkGroup(lws [3]uint32) error {
	if lws[0] == 0 || lws[1] == 0 || lws[2] == 0 {
		return fmt.Errorf("%w: %v has a zero dimension", ErrInvalidWorkGroupSize, lws)
	}
	if uint64(lws[0])*uint64(lws[1])*uint64(lws[2]) > uint64(r.cfg.MaxWorkGroupSize) {
		return fmt.Errorf("%w: %v exceeds %d", ErrInvalidWorkGroupSize, lws, r.cfg.MaxWorkGroupSize)
	}
	return nil
}

// Enqueue2D validates the launch and queues it. Arguments are captured now, so
// later SetArg calls do not affect this launch. A cancelled ctx aborts the
// command if it has not finished.
func (r *CPURuntime) Enqueue2D(ctx context.Context, k Kernel, gws [2]uint32, lws [3]uint32) (*Future, error) {
	ck, ok := k.(*cpuKernel)
	if !ok || ck.rt != r {
		return nil, fmt.Errorf("%w: %s was not built by this runtime", ErrUnknownKernel, k.Name())
	}
	if err := r.checkWorkGroup(lws); err != nil {
		kernelFailures.WithLabelValues(ck.Name()).Inc()
		return nil, fmt.Errorf("enqueue %s: %w", ck.Name(), err)
	}

	args := make([]any, len(ck.args))
	copy(args, ck.args)
	for i, a := range args {
		if a == nil {
			return nil, fmt.Errorf("enqueue %s: %w: arg %d not set", ck.Name(), ErrInvalidArg, i)
		}
	}

	gsize := [2]int{int(gws[0]), int(gws[1])}
	item, err := ck.prog.launch(args, gsize)
	if err != nil {
		kernelFailures.WithLabelValues(ck.Name()).Inc()
		return nil, fmt.Errorf("enqueue %s: %w", ck.Name(), err)
	}

	return r.submit(&command{
		ctx:  ctx,
		name: ck.Name(),
		item: item,
		gws:  gsize,
		lws:  [3]int{int(lws[0]), int(lws[1]), int(lws[2])},
	})
}

func (r *CPURuntime) submit(cmd *command) (*Future, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRuntimeClosed
	}
	cmd.future = newFuture(time.Now())
	r.pending.Add(1)
	r.queue <- cmd
	return cmd.future, nil
}

// Synchronize blocks until all queued commands are complete.
func (r *CPURuntime) Synchronize() {
	f, err := r.submit(&command{ctx: context.Background()})
	if err != nil {
		return
	}
	<-f.Done()
}

// Close drains the queue and stops the worker.
func (r *CPURuntime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.stopped
	return nil
}

func (r *CPURuntime) loop() {
	defer close(r.stopped)
	for cmd := range r.queue {
		r.execute(cmd)
		r.pending.Add(-1)
	}
}

func (r *CPURuntime) execute(cmd *command) {
	started := time.Now()
	if cmd.item == nil {
		cmd.future.resolve(started, started, nil)
		return
	}

	err := r.run(cmd)
	finished := time.Now()
	if err != nil {
		kernelFailures.WithLabelValues(cmd.name).Inc()
		log.Debug().Err(err).Str("kernel", cmd.name).Msg("Kernel execution failed")
	} else {
		kernelDuration.WithLabelValues(cmd.name).Observe(finished.Sub(started).Seconds())
	}
	cmd.future.resolve(started, finished, err)
}

func (r *CPURuntime) run(cmd *command) error {
	if err := cmd.ctx.Err(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(cmd.ctx)
	g.SetLimit(r.cfg.Workers)

	gx, gy := cmd.gws[0], cmd.gws[1]
	lx, ly := cmd.lws[0], cmd.lws[1]
	groupsX, groupsY := RoundUpDiv(gx, lx), RoundUpDiv(gy, ly)

dispatch:
	for by := 0; by < groupsY; by++ {
		for bx := 0; bx < groupsX; bx++ {
			if gctx.Err() != nil {
				break dispatch
			}
			x0, y0 := bx*lx, by*ly
			g.Go(func() (err error) {
				defer func() {
					if p := recover(); p != nil {
						err = fmt.Errorf("kernel %s panicked: %v", cmd.name, p)
					}
				}()
				for y := y0; y < y0+ly && y < gy; y++ {
					for x := x0; x < x0+lx && x < gx; x++ {
						cmd.item(x, y)
					}
				}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return cmd.ctx.Err()
}

func (r *CPURuntime) NewImage(width, height int, dt DataType) *Image {
	if img := r.getPooledImage(width*height*4*dt.Size(), dt); img != nil {
		img.reshape(width, height)
		return img
	}
	return newImage(width, height, dt)
}

func (r *CPURuntime) getPooledImage(sizeBytes int, dt DataType) *Image {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()

	// Drain pending images once the queue is idle
	if r.pending.Load() == 0 {
		for key, entries := range r.pendingBuckets {
			r.buckets[key] = append(r.buckets[key], entries...)
		}
		r.pendingBuckets = make(map[poolKey][]*Image)
	}

	bucket := getBucket(sizeBytes)
	for i := bucket; i <= bucket+2; i++ {
		key := poolKey{dtype: dt, bucket: i}
		list := r.buckets[key]
		bestIdx := -1
		for idx, img := range list {
			if img.SizeBytes() >= sizeBytes {
				if bestIdx == -1 || img.SizeBytes() < list[bestIdx].SizeBytes() {
					bestIdx = idx
				}
			}
		}
		if bestIdx != -1 {
			img := list[bestIdx]
			r.buckets[key] = append(list[:bestIdx], list[bestIdx+1:]...)

			poolHits.Inc()
			poolSizeBytes.Sub(float64(img.SizeBytes()))
			poolImages.Dec()
			return img
		}
	}

	poolMisses.Inc()
	return nil
}

func (r *CPURuntime) ReleaseImage(img *Image) {
	if img == nil {
		return
	}
	r.poolMu.Lock()
	defer r.poolMu.Unlock()

	key := poolKey{dtype: img.dtype, bucket: getBucket(img.SizeBytes())}
	r.pendingBuckets[key] = append(r.pendingBuckets[key], img)

	poolSizeBytes.Add(float64(img.SizeBytes()))
	poolImages.Inc()
}

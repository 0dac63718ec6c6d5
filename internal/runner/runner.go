// Package runner pulls launch requests from the inbound consumer and runs
// them through the launch pipeline on a pool of workers partitioned by
// mutex key.
package runner

import (
	"context"
	"errors"
	"hash/fnv"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"workload-launcher-go/internal/consumer"
	"workload-launcher-go/internal/models"
	"workload-launcher-go/internal/pipeline"
)

const (
	defaultPartitionBuffer = 16
	settleTimeout          = 5 * time.Second
	minReadBackoff         = 100 * time.Millisecond
	maxReadBackoff         = 30 * time.Second
)

// Launcher runs one request to a terminal state.
type Launcher interface {
	Run(ctx context.Context, req models.LaunchRequest) *pipeline.LaunchContext
}

// Observer receives runner events. It must not affect processing.
type Observer interface {
	ReadFailed()
	InFlight(delta int)
	PanicRecovered(component string)
}

type nopObserver struct{}

func (nopObserver) ReadFailed()           {}
func (nopObserver) InFlight(int)          {}
func (nopObserver) PanicRecovered(string) {}

// Options tune the runner.
type Options struct {
	// Workers is the number of mutex key partitions, each served by one worker.
	Workers int
	// PartitionBuffer is the queue length of each partition.
	PartitionBuffer int
	// ReadBackoff is the initial delay after a transport error; it doubles up
	// to a cap on consecutive errors.
	ReadBackoff time.Duration
}

// Runner serialises requests sharing a mutex key while running distinct keys
// in parallel.
type Runner struct {
	consumer consumer.Consumer
	launcher Launcher
	opts     Options
	observer Observer
	logger   *zap.Logger
}

// New creates a runner.
func New(c consumer.Consumer, launcher Launcher, opts Options, observer Observer, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PartitionBuffer <= 0 {
		opts.PartitionBuffer = defaultPartitionBuffer
	}
	if opts.ReadBackoff <= 0 {
		opts.ReadBackoff = minReadBackoff
	}
	return &Runner{
		consumer: c,
		launcher: launcher,
		opts:     opts,
		observer: observer,
		logger:   logger,
	}
}

// Partition maps a mutex key to a worker index.
func Partition(mutexKey string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(mutexKey))
	return int(h.Sum32() % uint32(workers))
}

// Run consumes until ctx is cancelled or the consumer is closed, then waits
// for in-flight launches to finish. Requests still queued at that point are
// handed back to the transport.
func (r *Runner) Run(ctx context.Context) error {
	partitions := make([]chan *consumer.Delivery, r.opts.Workers)
	var wg sync.WaitGroup
	for i := range partitions {
		partitions[i] = make(chan *consumer.Delivery, r.opts.PartitionBuffer)
		wg.Add(1)
		go func(id int, ch <-chan *consumer.Delivery) {
			defer wg.Done()
			r.work(ctx, id, ch)
		}(i, partitions[i])
	}

	r.logger.Info("Runner started", zap.Int("workers", r.opts.Workers))
	err := r.read(ctx, partitions)

	for _, ch := range partitions {
		close(ch)
	}
	wg.Wait()
	r.logger.Info("Runner stopped")
	return err
}

func (r *Runner) read(ctx context.Context, partitions []chan *consumer.Delivery) error {
	backoff := r.opts.ReadBackoff
	for {
		d, err := r.consumer.Read(ctx)
		switch {
		case err == nil:
			backoff = r.opts.ReadBackoff
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, consumer.ErrClosed):
			return nil
		default:
			// A failing transport must not stop the launcher.
			r.observer.ReadFailed()
			r.logger.Error("Failed to read launch request", zap.Error(err), zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxReadBackoff {
				backoff = maxReadBackoff
			}
			continue
		}

		ch := partitions[Partition(d.Request.MutexKey, len(partitions))]
		select {
		case ch <- d:
		case <-ctx.Done():
			r.settle(d, false)
			return nil
		}
	}
}

func (r *Runner) work(ctx context.Context, id int, deliveries <-chan *consumer.Delivery) {
	logger := r.logger.With(zap.Int("worker", id))
	for d := range deliveries {
		if ctx.Err() != nil {
			r.settle(d, false)
			continue
		}
		r.process(ctx, logger, d)
	}
}

// process runs one delivery. The request is acknowledged once it reaches a
// terminal state; only runs interrupted by shutdown are handed back.
func (r *Runner) process(ctx context.Context, logger *zap.Logger, d *consumer.Delivery) {
	r.observer.InFlight(1)
	defer r.observer.InFlight(-1)

	defer func() {
		if rec := recover(); rec != nil {
			r.observer.PanicRecovered("runner")
			logger.Error("Launch panicked, dropping request",
				zap.String("workload_id", d.Request.WorkloadID),
				zap.String("mutex_key", d.Request.MutexKey),
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())),
			)
			r.settle(d, true)
		}
	}()

	lc := r.launcher.Run(ctx, d.Request)
	r.settle(d, !lc.Interrupted)
}

func (r *Runner) settle(d *consumer.Delivery, ack bool) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	var err error
	if ack {
		err = d.Ack(ctx)
	} else {
		err = d.Nack(ctx)
	}
	if err != nil {
		r.logger.Warn("Failed to settle launch request",
			zap.String("workload_id", d.Request.WorkloadID),
			zap.Bool("ack", ack),
			zap.Error(err),
		)
	}
}

// Package detection implements a dispatcher: a
// fixed-size worker pool with a single mutex and condition variable,
// grounded on internal/relay/grpc_server.go's bounded-worker dispatch
// shape and internal/relay/transcoder_grpc.go's clone-owning task
// handoff to an out-of-process service.
package detection

import (
	"context"
	"log/slog"
	"sync"
)

// Task carries one submission's clones, freed once inference completes.
type Task struct {
	StreamName  string
	PacketClone []byte
	CodecParams []byte
}

// Client runs the actual inference call, typically against an
// out-of-process sidecar (grpcClient in this package).
type Client interface {
	Detect(ctx context.Context, task Task) (Result, error)
}

// Result is the outcome of one inference call.
type Result struct {
	StreamName string
	Detections []Detection
}

// Detection is a single bounding-box classification.
type Detection struct {
	Label      string
	Confidence float64
	X, Y, W, H float64
}

// ResultHandler receives completed inference results, e.g. to promote a
// pre-buffer flush or record a motion event.
type ResultHandler func(Result)

type slot struct {
	occupied bool
	task     Task
}

// Dispatcher is a fixed-size worker pool of detection slots, each
// protected by the pool's single mutex+condition variable.
type Dispatcher struct {
	mu    sync.Mutex
	cond  *sync.Cond
	slots []slot

	client   Client
	onResult ResultHandler
	logger   *slog.Logger

	stopping bool
	wg       sync.WaitGroup
}

// New constructs a Dispatcher with workerCount fixed worker goroutines
// (MAX_DETECTION_THREADS) and starts them immediately.
func New(workerCount int, client Client, onResult ResultHandler, logger *slog.Logger) *Dispatcher {
	if workerCount <= 0 {
		workerCount = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		slots:    make([]slot, workerCount),
		client:   client,
		onResult: onResult,
		logger:   logger,
	}
	d.cond = sync.NewCond(&d.mu)

	for i := 0; i < workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	return d
}

// Submit finds a free slot and assigns task to it, waking the workers so
// the slot's owner picks it up. If no slot is free the task is dropped
// and logged — bounded latency is preferred over queue bloat.
func (d *Dispatcher) Submit(task Task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopping {
		return false
	}

	for i := range d.slots {
		if !d.slots[i].occupied {
			d.slots[i] = slot{occupied: true, task: task}
			// Each worker only consumes its own slot, so a single Signal
			// could wake a worker whose slot is still empty.
			d.cond.Broadcast()
			return true
		}
	}

	d.logger.Warn("detection dispatcher full, dropping task", slog.String("stream", task.StreamName))
	return false
}

// worker blocks on the condition until a slot is assigned to it, then
// runs inference with the mutex released.
func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for !d.stopping && !d.slots[id].occupied {
			d.cond.Wait()
		}
		if d.stopping && !d.slots[id].occupied {
			d.mu.Unlock()
			return
		}
		task := d.slots[id].task
		d.mu.Unlock()

		result, err := d.client.Detect(context.Background(), task)

		d.mu.Lock()
		d.slots[id] = slot{}
		d.mu.Unlock()

		if err != nil {
			d.logger.Warn("detection inference failed", slog.String("stream", task.StreamName), slog.String("error", err.Error()))
			continue
		}
		if d.onResult != nil {
			d.onResult(result)
		}

		if d.stopping {
			return
		}
	}
}

// Shutdown broadcasts to wake all workers and joins them. Any slot still
// occupied at that point simply has its clones garbage-collected along
// with the slot.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	d.stopping = true
	d.cond.Broadcast()
	d.mu.Unlock()

	d.wg.Wait()
}

package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dispatcher decouples the engine from slow sinks: Deliver enqueues and a
// worker pool pushes to the wrapped sink with retries. Failed deliveries
// back off exponentially and are dropped after maxAttempts.
type Dispatcher struct {
	sink    Sink
	queue   chan *deliveryJob
	logger  *log.Logger
	wg      sync.WaitGroup
	workers int

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type deliveryJob struct {
	subjectID uuid.UUID
	kind      string
	payload   map[string]interface{}
	attempt   int
}

// NewDispatcher starts a worker pool delivering to sink.
func NewDispatcher(sink Sink, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		sink:        sink,
		queue:       make(chan *deliveryJob, 1000),
		logger:      log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		workers:     workers,
		maxAttempts: 10,
		baseBackoff: time.Second,
		maxBackoff:  60 * time.Second,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Deliver enqueues a notification. It never blocks the caller; when the
// queue is full the notification is dropped with a log line.
func (d *Dispatcher) Deliver(_ context.Context, subjectID uuid.UUID, kind string, payload map[string]interface{}) error {
	select {
	case d.queue <- &deliveryJob{subjectID: subjectID, kind: kind, payload: payload, attempt: 1}:
	default:
		d.logger.Printf("queue full, dropping %s for subject %s", kind, subjectID)
	}
	return nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	err := d.sink.Deliver(context.Background(), job.subjectID, job.kind, job.payload)
	if err == nil {
		return
	}
	if job.attempt >= d.maxAttempts {
		d.logger.Printf("giving up on %s for subject %s after %d attempts: %v",
			job.kind, job.subjectID, job.attempt, err)
		return
	}

	backoff := d.baseBackoff << (job.attempt - 1)
	if backoff > d.maxBackoff {
		backoff = d.maxBackoff
	}
	d.logger.Printf("delivery of %s failed (attempt %d), retrying in %s: %v",
		job.kind, job.attempt, backoff, err)
	time.Sleep(backoff)
	job.attempt++
	select {
	case d.queue <- job:
	default:
		d.logger.Printf("queue full on retry, dropping %s for subject %s", job.kind, job.subjectID)
	}
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

var _ Sink = (*Dispatcher)(nil)

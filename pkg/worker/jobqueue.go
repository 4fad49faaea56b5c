package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// JobKind identifies a Background Worker job variant, spec.md §4.6.
type JobKind int

const (
	JobPatchHosts JobKind = iota
	JobCheckVms
	JobCheckVm
	JobSendNotification
	JobReconcileArpRefs
)

func (k JobKind) String() string {
	switch k {
	case JobPatchHosts:
		return "patch_hosts"
	case JobCheckVms:
		return "check_vms"
	case JobCheckVm:
		return "check_vm"
	case JobSendNotification:
		return "send_notification"
	case JobReconcileArpRefs:
		return "reconcile_arp_refs"
	default:
		return "unknown"
	}
}

// Job is one unit of work on the worker's queue.
type Job struct {
	Kind   JobKind
	VmID   uuid.UUID // JobCheckVm
	UserID uuid.UUID // JobSendNotification
	Title  string    // JobSendNotification
	Body   string    // JobSendNotification
}

// jobQueue is an unbounded MPSC queue (spec.md §4.6 "A single long-lived
// loop with an unbounded MPSC job queue"). Go has no built-in unbounded
// channel, so this pairs a slice buffer with a condition variable: push
// never blocks the caller, pop blocks until a job is available or ctx is
// done.
type jobQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Job
	closed bool
}

func newJobQueue() *jobQueue {
	q := &jobQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *jobQueue) push(j Job) {
	q.mu.Lock()
	q.items = append(q.items, j)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until a job is available or ctx is cancelled, in which case
// it wakes any blocked pop via the watcher goroutine started the first
// time pop is called on this ctx.
func (q *jobQueue) pop(ctx context.Context) (Job, bool) {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		close(done)
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		select {
		case <-done:
			return Job{}, false
		default:
		}
		if ctx.Err() != nil {
			return Job{}, false
		}
		q.cond.Wait()
	}
	j := q.items[0]
	q.items = q.items[1:]
	return j, true
}

// queueEnqueuer adapts *jobQueue to payment.JobEnqueuer (spec.md §4.5.2
// step 5 "Enqueues WorkJob::CheckVm{vm_id}").
type queueEnqueuer jobQueue

func (q *queueEnqueuer) EnqueueCheckVm(ctx context.Context, vmID uuid.UUID) error {
	(*jobQueue)(q).push(Job{Kind: JobCheckVm, VmID: vmID})
	return nil
}

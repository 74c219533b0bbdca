package kernel

import (
	"context"
	"sync"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/handler"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/model"
)

// DefaultPoolSize matches the documented capacity of spec §4.7.
const DefaultPoolSize = 20

// dispatchJob is one task invocation queued onto the pool. Grounded on the
// teacher's WorkerPool: a buffered job channel plus a fixed set of worker
// goroutines, generalized from the teacher's dependency-polling TaskContext
// loop to a plain invoke-and-report job since the scheduler — not the pool —
// now owns dependency readiness.
type dispatchJob struct {
	ctx     context.Context
	task    model.Task
	attempt int
	run     func(ctx context.Context) handler.Result
	outcome chan<- taskOutcome
}

type taskOutcome struct {
	workflowID string
	taskID     string
	attempt    int
	result     handler.Result
}

// workerPool bounds total concurrent task invocations across every workflow
// a Kernel is driving, matching spec §5: "the pool is per-process, bounding
// total in-flight task invocations."
type workerPool struct {
	jobs chan dispatchJob
	wg   sync.WaitGroup
}

func newWorkerPool(size int) *workerPool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	wp := &workerPool{jobs: make(chan dispatchJob, size)}
	for i := 0; i < size; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
	return wp
}

func (wp *workerPool) worker() {
	defer wp.wg.Done()
	for job := range wp.jobs {
		res := job.run(job.ctx)
		job.outcome <- taskOutcome{
			workflowID: job.task.WorkflowID,
			taskID:     job.task.ID,
			attempt:    job.attempt,
			result:     res,
		}
	}
}

func (wp *workerPool) submit(job dispatchJob) {
	wp.jobs <- job
}

func (wp *workerPool) stop() {
	close(wp.jobs)
	wp.wg.Wait()
}

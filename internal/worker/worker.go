package worker

// Worker runs jobs handed to it on jobChannel until told to stop.
type Worker struct {
	id         int
	pool       *jobChannelPool
	runner     Runner
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool, runner Runner) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		runner:     runner,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for job := range w.jobChannel {
			if job.Type == Stop {
				debugLog("worker stopped", "worker", w.id)
				return
			}
			job.task.run(w.runner)
			if !w.pool.Release(w.jobChannel) {
				return
			}
		}
	}()
}

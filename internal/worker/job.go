package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"medibot/internal/models"
	"medibot/internal/pipeline"
)

type JobType int

const (
	Chat JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Chat:
		return "chat"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Runner executes one chat request.
type Runner interface {
	Submit(ctx context.Context, req models.ChatRequest, caller models.Caller) (*models.ChatResponse, error)
	SubmitStream(ctx context.Context, req models.ChatRequest, caller models.Caller, emit pipeline.Emit) (*models.ChatResponse, error)
}

var errAbandoned = errors.New("caller stopped waiting")

// Job is the unit handed from the dispatcher to a worker.
type Job struct {
	Type  JobType
	Owner string
	task  *chatTask
}

type result struct {
	resp *models.ChatResponse
	err  error
}

type chatTask struct {
	ctx    context.Context
	req    models.ChatRequest
	caller models.Caller
	stream pipeline.Emit
	done   chan result

	mu        sync.Mutex
	abandoned bool
}

// emit forwards to the caller until it abandons the task. The lock is held
// during delivery so abandon waits for an in-flight write.
func (t *chatTask) emit(e pipeline.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.abandoned {
		return errAbandoned
	}
	return t.stream(e)
}

func (t *chatTask) abandon() {
	t.mu.Lock()
	t.abandoned = true
	t.mu.Unlock()
}

func (t *chatTask) run(r Runner) {
	defer func() {
		if p := recover(); p != nil {
			t.done <- result{err: fmt.Errorf("chat job panicked: %v", p)}
		}
	}()
	if err := t.ctx.Err(); err != nil {
		t.done <- result{err: err}
		return
	}
	var res result
	if t.stream != nil {
		res.resp, res.err = r.SubmitStream(t.ctx, t.req, t.caller, t.emit)
	} else {
		res.resp, res.err = r.Submit(t.ctx, t.req, t.caller)
	}
	t.done <- res
}

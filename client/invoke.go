package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RezaEskandarii/jobfire/types"
	"github.com/RezaEskandarii/jobfire/types/config"
)

// invocation is the measured outcome of one handler call.
type invocation struct {
	result  json.RawMessage
	err     error
	code    types.ErrorCode
	elapsed time.Duration
}

func (i invocation) ok() bool { return i.err == nil }

func (i invocation) elapsedMs() int64 { return i.elapsed.Milliseconds() }

// invoke runs the named handler, bounding it by timeout when positive. A
// handler that ignores its context is abandoned once the timeout fires.
func invoke(ctx context.Context, handlers *config.JobHandler, name string, input map[string]any, timeout time.Duration) invocation {
	start := time.Now()

	if !handlers.Exists(name) {
		return invocation{
			err:     fmt.Errorf("%w: '%s'", config.ErrHandlerNotFound, name),
			code:    types.ErrCodeHandlerNotRegistered,
			elapsed: time.Since(start),
		}
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := handlers.Execute(callCtx, name, input)
		done <- outcome{value: v, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		select {
		case out = <-done:
		default:
			out = outcome{err: callCtx.Err()}
		}
	}
	inv := invocation{elapsed: time.Since(start)}

	if out.err != nil {
		inv.err = out.err
		inv.code = types.ErrCodeHandlerFailed
		if errors.Is(out.err, context.DeadlineExceeded) {
			inv.code = types.ErrCodeTimeout
		}
		return inv
	}

	if out.value != nil {
		raw, err := json.Marshal(out.value)
		if err != nil {
			inv.err = fmt.Errorf("encode handler result: %w", err)
			inv.code = types.ErrCodeHandlerFailed
			return inv
		}
		inv.result = raw
	}
	return inv
}

// withMetadata copies base and adds meta on top.
func withMetadata(base map[string]any, meta map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(meta))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// deadline returns the batch cutoff, zero when unbounded.
func (o options) deadline(start time.Time) time.Time {
	if o.batchDeadline <= 0 {
		return time.Time{}
	}
	return start.Add(o.batchDeadline)
}

func pastDeadline(deadline, now time.Time) bool {
	return !deadline.IsZero() && !now.Before(deadline)
}

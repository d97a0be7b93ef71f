package main

import (
	"context"
	"errors"
	"time"

	"github.com/RezaEskandarii/jobfire/types/config"
)

// builtinHandlers are available to every cron job and task without writing
// Go code. Deployments that need real work embed the client packages instead.
func builtinHandlers() []config.MethodHandler {
	return []config.MethodHandler{
		{Name: "noop", Handler: config.RunnableFunc(noop)},
		{Name: "echo", Handler: config.RunnableFunc(echo)},
		{Name: "sleep", Handler: config.RunnableFunc(sleep)},
	}
}

func noop(ctx context.Context, input map[string]any) (any, error) {
	return nil, nil
}

// echo returns its input, which makes the merged parameters visible in the
// execution history.
func echo(ctx context.Context, input map[string]any) (any, error) {
	return input, nil
}

// sleep waits for input["duration"] (a Go duration string), honouring ctx.
func sleep(ctx context.Context, input map[string]any) (any, error) {
	raw, _ := input["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, errors.New(`sleep: "duration" must be a Go duration string`)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return map[string]any{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

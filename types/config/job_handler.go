package config

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
)

var ErrHandlerNotFound = errors.New("handler not found")

// Runnable is an opaque unit of work invoked by name. Input and result must be
// JSON-serializable.
type Runnable interface {
	Run(ctx context.Context, input map[string]any) (any, error)
}

// RunnableFunc adapts a plain function to Runnable.
type RunnableFunc func(ctx context.Context, input map[string]any) (any, error)

func (f RunnableFunc) Run(ctx context.Context, input map[string]any) (any, error) {
	return f(ctx, input)
}

// JobHandler maps handler keys (a cron job's function_name or a task's
// task_type) to the Runnable that implements them.
type JobHandler struct {
	handlers map[string]Runnable
	mutex    sync.RWMutex
}

func NewJobHandler() *JobHandler {
	return &JobHandler{
		handlers: make(map[string]Runnable),
	}
}

// Register adds a new handler by name.
func (jh *JobHandler) Register(name string, handler Runnable) error {
	if name == "" || handler == nil {
		return errors.New("handler must have a name and a runnable")
	}

	jh.mutex.Lock()
	defer jh.mutex.Unlock()

	if _, exists := jh.handlers[name]; exists {
		return fmt.Errorf("handler '%s' already registered", name)
	}
	jh.handlers[name] = handler
	return nil
}

func (jh *JobHandler) RegisterFunc(name string, fn func(ctx context.Context, input map[string]any) (any, error)) error {
	if fn == nil {
		return jh.Register(name, nil)
	}
	return jh.Register(name, RunnableFunc(fn))
}

func (jh *JobHandler) Lookup(name string) (Runnable, bool) {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	h, ok := jh.handlers[name]
	return h, ok
}

func (jh *JobHandler) Exists(name string) bool {
	_, ok := jh.Lookup(name)
	return ok
}

// Execute runs the named handler. Unknown names yield an error wrapping
// ErrHandlerNotFound and a handler panic is returned as an error.
func (jh *JobHandler) Execute(ctx context.Context, name string, input map[string]any) (result any, err error) {
	handler, exists := jh.Lookup(name)
	if !exists {
		return nil, fmt.Errorf("%w: '%s'", ErrHandlerNotFound, name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Handler: name, Value: r, Stack: string(debug.Stack())}
		}
	}()
	return handler.Run(ctx, input)
}

// List returns the registered names in sorted order.
func (jh *JobHandler) List() []string {
	jh.mutex.RLock()
	defer jh.mutex.RUnlock()

	names := make([]string, 0, len(jh.handlers))
	for name := range jh.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Missing returns the names that have no registered handler.
func (jh *JobHandler) Missing(names ...string) []string {
	var missing []string
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if !jh.Exists(name) {
			missing = append(missing, name)
		}
	}
	return missing
}

// PanicError is returned when a handler panics.
type PanicError struct {
	Handler string
	Value   any
	Stack   string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler '%s' panicked: %v", e.Handler, e.Value)
}

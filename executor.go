// Package negotium executor.
// Resolves a payload's handler by its registered name and invokes it with
// the recorded arguments.
package negotium

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler executes one task invocation. Args and kwargs arrive as the raw
// JSON the producer serialized; each handler decodes what it expects. The
// returned value is logged and returned by Executor.Execute; TaskHandle
// dispatch methods do not return it, not even when the task runs inline.
type Handler func(ctx context.Context, args []json.RawMessage, kwargs map[string]json.RawMessage) (interface{}, error)

// Registry maps dotted task names to handlers. Tasks register once at
// process start; lookups happen on every delivery.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

func (r *Registry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Executor decodes descriptors and runs their handlers.
type Executor struct {
	registry *Registry
	logger   *Logger
}

func NewExecutor(registry *Registry, logger *Logger) *Executor {
	return &Executor{registry: registry, logger: logger}
}

// Execute decodes a serialized descriptor, resolves its handler and invokes
// it. Failures are logged and returned; consumer loops discard the return
// values, and inline execution through TaskHandle.Apply returns the error
// but drops the result.
func (e *Executor) Execute(ctx context.Context, body []byte) (interface{}, error) {
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		e.logger.Error(fmt.Sprintf("Discarding undecodable task: %v", err))
		return nil, err
	}

	prefix := ""
	if task.IsScheduled {
		prefix = "[Scheduled] "
	}
	e.logger.Info(fmt.Sprintf("%sExecuting (task: %s)", prefix, task.FunctionName))

	handler, ok := e.registry.Resolve(task.HandlerName())
	if !ok {
		e.logger.Error(fmt.Sprintf("%sError (task: %s): %v", prefix, task.FunctionName, ErrTaskNotFound))
		return nil, &NegotiumError{Err: ErrTaskNotFound, Message: "no handler registered", TaskName: task.FunctionName}
	}

	result, err := handler(ctx, task.Args, task.Kwargs)
	if err != nil {
		e.logger.Error(fmt.Sprintf("%sError (task: %s): %v", prefix, task.FunctionName, err))
		return nil, err
	}
	e.logger.Info(fmt.Sprintf("%sResult (task: %s): %v", prefix, task.FunctionName, result))
	return result, nil
}

// Package negotium provides a Redis-backed distributed task queue.
// Applications register named task handlers; producers enqueue invocations
// immediately, for a future time, or on a cron schedule; worker processes
// consume and execute them. Every enqueue returns an identifier under which
// the invocation can be cancelled before it runs.
package negotium

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Config for a Negotium application.
type Config struct {
	// AppName namespaces every broker key; required.
	AppName string
	// BrokerURL points at the message broker
	// (default redis://localhost:6379/0).
	BrokerURL string
	// Logfile receives the log stream; empty means stdout.
	Logfile string
}

// Negotium is the application entry point: construct one per application,
// register tasks, then Start a worker or publish from producers.
type Negotium struct {
	appName   string
	broker    Broker
	publisher *Publisher
	consumer  *Consumer
	registry  *Registry
	executor  *Executor
	logger    *Logger
	logfile   *os.File
}

// New builds a Negotium application. A .env file in the working directory
// is loaded into the environment first, so the worker-mode toggles can be
// configured per deployment.
func New(cfg Config) (*Negotium, error) {
	if cfg.AppName == "" {
		return nil, ErrAppNameRequired
	}
	loadEnv()

	if cfg.BrokerURL == "" {
		cfg.BrokerURL = fmt.Sprintf("redis://%s:%d/0", DefaultHost, DefaultPort)
	}
	broker, err := ParseBroker(cfg.BrokerURL)
	if err != nil {
		return nil, err
	}

	var output io.Writer = os.Stdout
	var logfile *os.File
	if cfg.Logfile != "" {
		f, err := os.OpenFile(cfg.Logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		logfile = f
		output = f
	}

	logger := NewLogger(cfg.AppName, LoggerConfig{Output: output})
	registry := NewRegistry()
	executor := NewExecutor(registry, logger)

	return &Negotium{
		appName:   cfg.AppName,
		broker:    broker,
		publisher: NewPublisher(broker, cfg.AppName, logger),
		consumer:  NewConsumer(broker, cfg.AppName, executor, logger),
		registry:  registry,
		executor:  executor,
		logger:    logger,
		logfile:   logfile,
	}, nil
}

// Start begins consuming tasks from the broker. Call it once in each worker
// process, after all tasks are registered.
func (n *Negotium) Start(ctx context.Context) error {
	return n.consumer.Start(ctx)
}

// Close shuts down the consumer and releases the log file. Closing twice is
// equivalent to closing once.
func (n *Negotium) Close() error {
	err := n.consumer.Close()
	if n.logfile != nil {
		n.logfile.Close()
		n.logfile = nil
	}
	return err
}

// Cancel undoes a pending enqueue by the identifier its publish returned.
// An immediate enqueue is cancelled by draining one element from the main
// queue; if a worker pops the task first, it executes despite the cancel.
// Cancelling an unknown identifier is a no-op.
func (n *Negotium) Cancel(ctx context.Context, identifier string) error {
	conn, err := connect(ctx, n.broker)
	if err != nil {
		return err
	}
	defer conn.Close()
	return newTracker(conn, n.appName).cancel(ctx, identifier)
}

// Task registers a handler under a dotted name such as "tasks.math.add" and
// returns the handle used to dispatch it. The name doubles as the wire
// locator, so producers and workers must register the same names.
func (n *Negotium) Task(name string, handler Handler) *TaskHandle {
	n.registry.Register(name, handler)
	return &TaskHandle{app: n, name: name}
}

// TaskHandle dispatches invocations of one registered task.
type TaskHandle struct {
	app  *Negotium
	name string
}

// ApplyOptions carries an invocation's arguments and dispatch metadata.
type ApplyOptions struct {
	Args   []interface{}
	Kwargs map[string]interface{}
	// ETA schedules the invocation for a future time.
	ETA *time.Time
	// Cron repeats the invocation on a schedule. ETA wins when both are
	// set.
	Cron *Crontab
}

// Delay enqueues an immediate invocation.
func (t *TaskHandle) Delay(ctx context.Context, args ...interface{}) (string, error) {
	return t.Apply(ctx, ApplyOptions{Args: args})
}

// ApplyAsync schedules the invocation for eta.
func (t *TaskHandle) ApplyAsync(ctx context.Context, eta time.Time, args ...interface{}) (string, error) {
	return t.Apply(ctx, ApplyOptions{Args: args, ETA: &eta})
}

// ApplyPeriodicAsync schedules the invocation on the crontab.
func (t *TaskHandle) ApplyPeriodicAsync(ctx context.Context, crontab *Crontab, args ...interface{}) (string, error) {
	return t.Apply(ctx, ApplyOptions{Args: args, Cron: crontab})
}

// Apply dispatches with full control over arguments and scheduling. When
// the worker is disabled the broker is never contacted: the task runs
// inline, or is dropped entirely under the ignore-execution toggle, and no
// identifier is returned.
func (t *TaskHandle) Apply(ctx context.Context, opts ApplyOptions) (string, error) {
	task, err := t.app.newTaskMessage(t.name, opts.Args, opts.Kwargs)
	if err != nil {
		return "", err
	}

	if !workerEnabled() {
		if ignoreExecution() {
			t.app.logger.Warn("The worker is not enabled. The task will be ignored")
			return "", nil
		}
		t.app.logger.Warn("The worker is not enabled. The task will be executed synchronously")
		body, err := json.Marshal(task)
		if err != nil {
			return "", err
		}
		_, err = t.app.executor.Execute(ctx, body)
		return "", err
	}

	id, err := t.app.publisher.Publish(ctx, task, opts.ETA, opts.Cron)
	if err != nil {
		return "", err
	}
	if opts.ETA == nil && opts.Cron != nil {
		if err := t.app.consumer.reloadPeriodic(ctx); err != nil {
			t.app.logger.Error(fmt.Sprintf("Reloading periodic tasks: %v", err))
		}
	}
	return id, nil
}

func (n *Negotium) newTaskMessage(name string, args []interface{}, kwargs map[string]interface{}) (*Task, error) {
	encodedArgs := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("marshal arg: %w", err)
		}
		encodedArgs = append(encodedArgs, raw)
	}
	var encodedKwargs map[string]json.RawMessage
	if len(kwargs) > 0 {
		encodedKwargs = make(map[string]json.RawMessage, len(kwargs))
		for k, v := range kwargs {
			raw, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("marshal kwarg %s: %w", k, err)
			}
			encodedKwargs[k] = raw
		}
	}

	packageDir, moduleName, functionName := splitTaskName(name)
	packageName := packageDir
	if i := strings.LastIndex(packageDir, "."); i >= 0 {
		packageName = packageDir[i+1:]
	}
	if packageName == "" {
		packageName = n.appName
	}

	return &Task{
		AppName:      n.appName,
		PackageDir:   packageDir,
		PackageName:  packageName,
		ModuleName:   moduleName,
		FunctionName: functionName,
		Timestamp:    time.Now().Format(timestampLayout),
		Args:         encodedArgs,
		Kwargs:       encodedKwargs,
	}, nil
}

func splitTaskName(name string) (packageDir, moduleName, functionName string) {
	parts := strings.Split(name, ".")
	switch len(parts) {
	case 1:
		return "", "", parts[0]
	case 2:
		return "", parts[0], parts[1]
	default:
		return strings.Join(parts[:len(parts)-2], "."), parts[len(parts)-2], parts[len(parts)-1]
	}
}

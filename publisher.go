// Package negotium publisher implementation.
// Converts task invocations into broker writes on the immediate, scheduled
// or periodic path, and registers the tracker entries that make each
// enqueue cancellable.
package negotium

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Publisher writes task invocations to the broker. Each publish call opens
// a fresh connection and closes it on exit; the consumer is the only holder
// of a long-lived connection.
type Publisher struct {
	broker  Broker
	appName string
	logger  *Logger
}

func NewPublisher(broker Broker, appName string, logger *Logger) *Publisher {
	return &Publisher{broker: broker, appName: appName, logger: logger}
}

// Publish dispatches the task and returns the identifier under which the
// enqueue can be cancelled. Paths are exclusive, precedence eta > cron >
// immediate.
func (p *Publisher) Publish(ctx context.Context, task *Task, eta *time.Time, crontab *Crontab) (string, error) {
	p.logger.Info(fmt.Sprintf("Received task: %s", task.FunctionName))

	conn, err := connect(ctx, p.broker)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	tr := newTracker(conn, p.appName)

	switch {
	case eta != nil:
		return p.publishScheduled(ctx, conn, tr, task, *eta)
	case crontab != nil:
		return p.publishPeriodic(ctx, conn, tr, task, crontab)
	default:
		return p.publishImmediate(ctx, conn, tr, task)
	}
}

// publishImmediate appends the descriptor to the main queue. The
// compensating operation is a draining pop on that queue: note the cancel
// races the consumer's own pop, and the consumer may win.
func (p *Publisher) publishImmediate(ctx context.Context, conn Conn, tr *tracker, task *Task) (string, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	queue := mainQueueKey(p.appName)
	if err := conn.RPush(ctx, queue, string(body)); err != nil {
		return "", fmt.Errorf("rpush main queue: %w", err)
	}
	return tr.track(ctx, commandBLPop, queue, "", "")
}

// publishScheduled writes the envelope to both the scheduler list and the
// sorted set. The envelope is marshaled once so the two elements share the
// same bytes; both tracker entries reuse one identifier so a single cancel
// undoes both writes.
func (p *Publisher) publishScheduled(ctx context.Context, conn Conn, tr *tracker, task *Task, eta time.Time) (string, error) {
	task.IsScheduled = true
	envelope := schedulerEnvelope{Task: *task, ETA: eta.Format(etaLayout)}
	body, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	element := string(body)

	listKey := schedulerQueueKey(p.appName)
	setKey := schedulerSortedSetKey(p.appName)

	if err := conn.RPush(ctx, listKey, element); err != nil {
		return "", fmt.Errorf("rpush scheduler queue: %w", err)
	}
	id, err := tr.track(ctx, commandLRem, listKey, element, "")
	if err != nil {
		return "", err
	}

	if err := conn.ZAdd(ctx, setKey, etaScore(eta), element); err != nil {
		return "", fmt.Errorf("zadd scheduler sorted set: %w", err)
	}
	if _, err := tr.track(ctx, commandZRem, setKey, element, id); err != nil {
		return "", err
	}
	return id, nil
}

// publishPeriodic appends the envelope to the durable periodic list, the
// consumer's source of truth for recurring schedules.
func (p *Publisher) publishPeriodic(ctx context.Context, conn Conn, tr *tracker, task *Task, crontab *Crontab) (string, error) {
	task.IsScheduled = true
	envelope := periodicEnvelope{Task: *task, Cron: crontab.Expression()}
	body, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	key := periodicTasksKey(p.appName)
	if err := conn.RPush(ctx, key, string(body)); err != nil {
		return "", fmt.Errorf("rpush periodic tasks: %w", err)
	}
	return tr.track(ctx, commandLRem, key, string(body), "")
}

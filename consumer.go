// Package negotium consumer implementation.
// Runs the worker side: the main-queue loop, the scheduled-eligibility loop
// and the periodic timers, all sharing one broker connection.
package negotium

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	// popTimeout bounds the main-queue blocking pop so the closed flag is
	// observed between deliveries.
	popTimeout = time.Second
	// schedulerPollInterval is how often the sorted set is polled for
	// eligible scheduled tasks.
	schedulerPollInterval = time.Second
)

// Consumer pulls eligible payloads off the broker and hands them to the
// executor. Start spawns the loops; Close stops them.
type Consumer struct {
	broker   Broker
	appName  string
	executor *Executor
	logger   *Logger

	mu       sync.Mutex
	conn     Conn
	closed   bool
	timers   map[*time.Timer]struct{}
	timerGen int
}

func NewConsumer(broker Broker, appName string, executor *Executor, logger *Logger) *Consumer {
	return &Consumer{
		broker:   broker,
		appName:  appName,
		executor: executor,
		logger:   logger,
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Start connects to the broker, spawns the main and scheduled loops and
// arms the periodic timers. It returns once the loops are running.
func (c *Consumer) Start(ctx context.Context) error {
	if c.isClosed() {
		return ErrConsumerClosed
	}

	conn, err := connect(ctx, c.broker)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrConsumerClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.consumeMain(ctx, conn)
	go c.consumeScheduled(ctx, conn)
	if err := c.loadPeriodicTasks(ctx, conn); err != nil {
		c.logger.Error(fmt.Sprintf("Loading periodic tasks: %v", err))
	}
	return nil
}

// Close stops the loops, cancels pending periodic timers and closes the
// broker connection. Closing twice is equivalent to closing once.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimersLocked()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Consumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// consumeMain blocking-pops the main queue and executes each payload. A
// broker failure terminates this loop only.
func (c *Consumer) consumeMain(ctx context.Context, conn Conn) {
	queue := mainQueueKey(c.appName)
	for !c.isClosed() {
		popped, err := conn.BLPop(ctx, popTimeout, queue)
		if err != nil {
			if !c.isClosed() {
				c.logger.Error(fmt.Sprintf("Main queue read: %v", err))
			}
			return
		}
		if popped == nil {
			continue
		}
		c.executor.Execute(ctx, []byte(popped[1]))
		time.Sleep(10 * time.Millisecond)
	}
}

// consumeScheduled pulls, on every poll tick, the sorted-set
// elements whose score has come due. Removing an element by value claims
// it; a zero removal count means a cancel (or another worker) won the race
// and the element is skipped. The matching scheduler-list element is
// removed after execution.
func (c *Consumer) consumeScheduled(ctx context.Context, conn Conn) {
	setKey := schedulerSortedSetKey(c.appName)
	listKey := schedulerQueueKey(c.appName)

	ticker := time.NewTicker(schedulerPollInterval)
	defer ticker.Stop()

	for range ticker.C {
		if c.isClosed() {
			return
		}

		elements, err := conn.ZRangeByScore(ctx, setKey, 0, etaScore(time.Now()))
		if err != nil {
			if !c.isClosed() {
				c.logger.Error(fmt.Sprintf("Scheduler read: %v", err))
			}
			return
		}

		for _, element := range elements {
			removed, err := conn.ZRem(ctx, setKey, element)
			if err != nil {
				if !c.isClosed() {
					c.logger.Error(fmt.Sprintf("Scheduler claim: %v", err))
				}
				return
			}
			if removed == 0 {
				continue
			}

			var envelope schedulerEnvelope
			if err := json.Unmarshal([]byte(element), &envelope); err != nil {
				c.logger.Error(fmt.Sprintf("Discarding undecodable scheduled task: %v", err))
				conn.LRem(ctx, listKey, 0, element)
				continue
			}

			body, err := json.Marshal(envelope.Task)
			if err != nil {
				c.logger.Error(fmt.Sprintf("Re-encoding scheduled task: %v", err))
				continue
			}
			c.executor.Execute(ctx, body)

			if _, err := conn.LRem(ctx, listKey, 0, element); err != nil {
				if !c.isClosed() {
					c.logger.Error(fmt.Sprintf("Scheduler cleanup: %v", err))
				}
				return
			}
		}
	}
}

// loadPeriodicTasks rebuilds the periodic timers from the durable
// list. The list is the sole source of truth for recurring schedules, so
// every reload drops the current timers and re-arms from scratch.
func (c *Consumer) loadPeriodicTasks(ctx context.Context, conn Conn) error {
	elements, err := conn.LRange(ctx, periodicTasksKey(c.appName), 0, -1)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConsumerClosed
	}
	c.stopTimersLocked()

	for _, element := range elements {
		var envelope periodicEnvelope
		if err := json.Unmarshal([]byte(element), &envelope); err != nil {
			c.logger.Error(fmt.Sprintf("Discarding undecodable periodic task: %v", err))
			continue
		}
		crontab, err := ParseCrontab(envelope.Cron)
		if err != nil {
			c.logger.Error(fmt.Sprintf("Invalid schedule for task %s: %v", envelope.Task.FunctionName, err))
			continue
		}
		body, err := json.Marshal(envelope.Task)
		if err != nil {
			c.logger.Error(fmt.Sprintf("Re-encoding periodic task: %v", err))
			continue
		}
		c.armTimerLocked(ctx, crontab, body, c.timerGen)
	}
	return nil
}

// reloadPeriodic re-runs the periodic rehydration. The application calls it
// after every periodic enqueue so new schedules get timers without a
// restart. A consumer that has not started yet has nothing to reload.
func (c *Consumer) reloadPeriodic(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.loadPeriodicTasks(ctx, conn)
}

// armTimerLocked schedules a one-shot timer at the crontab's next fire
// time. The fire callback executes the task and re-arms itself for the
// following occurrence, unless a reload replaced this timer generation or
// the consumer closed in the meantime.
func (c *Consumer) armTimerLocked(ctx context.Context, crontab *Crontab, body []byte, gen int) {
	delay := time.Until(crontab.Next(time.Now()))
	if delay < 0 {
		delay = 0
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		stale := c.closed || gen != c.timerGen
		if !stale {
			delete(c.timers, timer)
		}
		c.mu.Unlock()
		if stale {
			return
		}

		c.executor.Execute(ctx, body)

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || gen != c.timerGen {
			return
		}
		c.armTimerLocked(ctx, crontab, body, gen)
	})
	c.timers[timer] = struct{}{}
}

func (c *Consumer) stopTimersLocked() {
	for timer := range c.timers {
		timer.Stop()
	}
	c.timers = make(map[*time.Timer]struct{})
	c.timerGen++
}

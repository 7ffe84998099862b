// Package negotium utilities.
// Helper functions for inspecting queue state and purging data.
package negotium

import (
	"context"
	"math"
)

// QueueInfo contains statistics about one application's queues.
type QueueInfo struct {
	AppName   string
	Pending   int64 // elements waiting in the main queue
	Scheduled int64 // envelopes awaiting eligibility in the sorted set
	Periodic  int64 // periodic envelopes in the durable list
}

// Inspect retrieves current statistics for an application.
func Inspect(ctx context.Context, conn Conn, appName string) (*QueueInfo, error) {
	pending, err := NumPendingTasks(ctx, conn, appName)
	if err != nil {
		return nil, err
	}
	scheduled, err := NumScheduledTasks(ctx, conn, appName)
	if err != nil {
		return nil, err
	}
	periodic, err := NumPeriodicTasks(ctx, conn, appName)
	if err != nil {
		return nil, err
	}
	return &QueueInfo{
		AppName:   appName,
		Pending:   pending,
		Scheduled: scheduled,
		Periodic:  periodic,
	}, nil
}

func NumPendingTasks(ctx context.Context, conn Conn, appName string) (int64, error) {
	items, err := conn.LRange(ctx, mainQueueKey(appName), 0, -1)
	return int64(len(items)), err
}

func NumScheduledTasks(ctx context.Context, conn Conn, appName string) (int64, error) {
	items, err := conn.ZRangeByScore(ctx, schedulerSortedSetKey(appName), 0, math.Inf(1))
	return int64(len(items)), err
}

func NumPeriodicTasks(ctx context.Context, conn Conn, appName string) (int64, error) {
	items, err := conn.LRange(ctx, periodicTasksKey(appName), 0, -1)
	return int64(len(items)), err
}

// PurgeQueue removes all pending tasks from the main queue.
// WARNING: This deletes unprocessed data.
func PurgeQueue(ctx context.Context, conn Conn, appName string) (int64, error) {
	count, err := NumPendingTasks(ctx, conn, appName)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		if err := conn.Del(ctx, mainQueueKey(appName)); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// PurgeScheduled removes all scheduled tasks, from both the scheduler list
// and the sorted set.
func PurgeScheduled(ctx context.Context, conn Conn, appName string) (int64, error) {
	count, err := NumScheduledTasks(ctx, conn, appName)
	if err != nil {
		return 0, err
	}
	if err := conn.Del(ctx, schedulerQueueKey(appName), schedulerSortedSetKey(appName)); err != nil {
		return 0, err
	}
	return count, nil
}

// PurgePeriodic removes every periodic schedule. Running consumers keep
// their armed timers until the next rehydration.
func PurgePeriodic(ctx context.Context, conn Conn, appName string) (int64, error) {
	count, err := NumPeriodicTasks(ctx, conn, appName)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		if err := conn.Del(ctx, periodicTasksKey(appName)); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// Package negotium message tracker.
// Records a compensating broker operation per enqueue so a pending
// invocation can be cancelled by identifier.
package negotium

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Compensating commands. The numeric values are part of the wire format.
const (
	commandZRem  = 0
	commandLRem  = 1
	commandBLPop = 2
)

// cancelPopTimeout bounds the draining pop a BLPOP record performs, so a
// cancel whose target was already consumed does not block forever.
const cancelPopTimeout = time.Second

type trackerRecord struct {
	Name       string `json:"_name"`
	Identifier string `json:"_identifier"`
	Command    int    `json:"_command"`
}

// tracker persists compensating operations under
// negotium_tracker__<app>__<uuid>. It replays them on cancel without
// knowing what they compensate.
type tracker struct {
	conn    Conn
	appName string
}

func newTracker(conn Conn, appName string) *tracker {
	return &tracker{conn: conn, appName: appName}
}

// track appends a compensating record and returns the identifier grouping
// it. Pass the identifier from a previous call to group several records
// under one cancellable unit; pass "" to mint a fresh one.
func (t *tracker) track(ctx context.Context, command int, name, identifier, id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	record, err := json.Marshal(trackerRecord{Name: name, Identifier: identifier, Command: command})
	if err != nil {
		return "", err
	}
	if err := t.conn.RPush(ctx, trackerKey(t.appName, id), string(record)); err != nil {
		return "", err
	}
	return id, nil
}

// cancel replays every record grouped under the identifier, then deletes
// the tracker key. ZREM removes the stored value from the named sorted set,
// LREM removes all occurrences of it from the named list, and BLPOP drains
// one pending element from the named list. An unknown identifier reads an
// empty record list and is a no-op.
func (t *tracker) cancel(ctx context.Context, id string) error {
	key := trackerKey(t.appName, id)
	records, err := t.conn.LRange(ctx, key, 0, -1)
	if err != nil {
		return err
	}
	for _, raw := range records {
		var record trackerRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		switch record.Command {
		case commandZRem:
			_, err = t.conn.ZRem(ctx, record.Name, record.Identifier)
		case commandLRem:
			_, err = t.conn.LRem(ctx, record.Name, 0, record.Identifier)
		case commandBLPop:
			_, err = t.conn.BLPop(ctx, cancelPopTimeout, record.Name)
		}
		if err != nil {
			return err
		}
	}
	return t.conn.Del(ctx, key)
}

package negotium

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func testPublisher(appName string) *Publisher {
	broker, _ := ParseBroker("redis://" + testRedis.Options().Addr + "/0")
	return NewPublisher(broker, appName, NewLogger(appName, LoggerConfig{Silent: true}))
}

func testTask(appName, functionName string) *Task {
	return &Task{
		AppName:      appName,
		PackageName:  appName,
		FunctionName: functionName,
		Timestamp:    time.Now().Format(timestampLayout),
		Args:         []json.RawMessage{json.RawMessage("1"), json.RawMessage("2")},
	}
}

func TestPublishImmediate(t *testing.T) {
	requireRedis(t)
	appName := "negotium_test_pub_immediate"
	p := testPublisher(appName)

	id, err := p.Publish(testCtx, testTask(appName, "add"), nil, nil)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected an identifier")
	}

	// Exactly one tracker entry: a draining pop on the main queue
	records, err := testRedis.LRange(testCtx, trackerKey(appName, id), 0, -1).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 tracker entry, got %d", len(records))
	}
	var record trackerRecord
	if err := json.Unmarshal([]byte(records[0]), &record); err != nil {
		t.Fatal(err)
	}
	if record.Command != commandBLPop {
		t.Errorf("expected BLPOP command, got %d", record.Command)
	}
	if record.Name != mainQueueKey(appName) {
		t.Errorf("expected %s, got %s", mainQueueKey(appName), record.Name)
	}
	if record.Identifier != "" {
		t.Errorf("expected empty identifier, got %q", record.Identifier)
	}

	pending, _ := testRedis.LLen(testCtx, mainQueueKey(appName)).Result()
	if pending != 1 {
		t.Errorf("expected 1 pending task, got %d", pending)
	}
}

func TestPublishScheduled(t *testing.T) {
	requireRedis(t)
	appName := "negotium_test_pub_scheduled"
	p := testPublisher(appName)

	eta := time.Now().Add(time.Hour)
	id, err := p.Publish(testCtx, testTask(appName, "add"), &eta, nil)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	records, err := testRedis.LRange(testCtx, trackerKey(appName, id), 0, -1).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 tracker entries, got %d", len(records))
	}

	var lremRecord, zremRecord trackerRecord
	if err := json.Unmarshal([]byte(records[0]), &lremRecord); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(records[1]), &zremRecord); err != nil {
		t.Fatal(err)
	}
	if lremRecord.Command != commandLRem || zremRecord.Command != commandZRem {
		t.Errorf("unexpected commands: %d, %d", lremRecord.Command, zremRecord.Command)
	}

	// The envelope bytes match across both tracker entries, the scheduler
	// list element and the sorted-set member
	if lremRecord.Identifier != zremRecord.Identifier {
		t.Error("tracker identifiers differ between list and sorted-set entries")
	}
	listElements, _ := testRedis.LRange(testCtx, schedulerQueueKey(appName), 0, -1).Result()
	if len(listElements) != 1 || listElements[0] != lremRecord.Identifier {
		t.Error("scheduler list element does not match tracker identifier")
	}
	setMembers, _ := testRedis.ZRangeWithScores(testCtx, schedulerSortedSetKey(appName), 0, -1).Result()
	if len(setMembers) != 1 || setMembers[0].Member.(string) != lremRecord.Identifier {
		t.Error("sorted-set member does not match tracker identifier")
	}
	if diff := setMembers[0].Score - etaScore(eta); diff > 0.001 || diff < -0.001 {
		t.Errorf("score off by %f", diff)
	}

	// The stored eta round-trips through the wire format
	var envelope schedulerEnvelope
	if err := json.Unmarshal([]byte(listElements[0]), &envelope); err != nil {
		t.Fatal(err)
	}
	parsed, err := parseETA(envelope.ETA)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Unix() != eta.Unix() {
		t.Errorf("eta mismatch: %v vs %v", parsed, eta)
	}
	if !envelope.Task.IsScheduled {
		t.Error("scheduled envelope should mark the task as scheduled")
	}
}

func TestPublishPeriodic(t *testing.T) {
	requireRedis(t)
	appName := "negotium_test_pub_periodic"
	p := testPublisher(appName)

	crontab, err := NewCrontab(CrontabSpec{Minute: Field(30), Hour: Field(4)})
	if err != nil {
		t.Fatal(err)
	}

	id, err := p.Publish(testCtx, testTask(appName, "report"), nil, crontab)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected an identifier")
	}

	elements, err := testRedis.LRange(testCtx, periodicTasksKey(appName), 0, -1).Result()
	if err != nil || len(elements) != 1 {
		t.Fatalf("expected 1 periodic envelope, got %d (err: %v)", len(elements), err)
	}

	var envelope periodicEnvelope
	if err := json.Unmarshal([]byte(elements[0]), &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Cron != "30 4 * * *" {
		t.Errorf("expected cron '30 4 * * *', got %q", envelope.Cron)
	}

	// Rehydration would arm a timer strictly in the future
	now := time.Now()
	if next := crontab.Next(now); !next.After(now) {
		t.Errorf("next fire %v is not after %v", next, now)
	}

	records, _ := testRedis.LRange(testCtx, trackerKey(appName, id), 0, -1).Result()
	if len(records) != 1 {
		t.Errorf("expected 1 tracker entry, got %d", len(records))
	}
}

func TestPublishEtaWinsOverCron(t *testing.T) {
	requireRedis(t)
	appName := "negotium_test_pub_precedence"
	p := testPublisher(appName)

	eta := time.Now().Add(time.Hour)
	crontab, _ := NewCrontab(CrontabSpec{Minute: Field(0)})
	if _, err := p.Publish(testCtx, testTask(appName, "add"), &eta, crontab); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	periodic, _ := testRedis.LLen(testCtx, periodicTasksKey(appName)).Result()
	if periodic != 0 {
		t.Error("eta publish must not touch the periodic list")
	}
	scheduled, _ := testRedis.ZCard(testCtx, schedulerSortedSetKey(appName)).Result()
	if scheduled != 1 {
		t.Errorf("expected 1 scheduled envelope, got %d", scheduled)
	}
}

func TestPublishUnknownBrokerKind(t *testing.T) {
	p := NewPublisher(fakeBroker{kind: "rabbitmq"}, "negotium_test_kind", NewLogger("negotium_test_kind", LoggerConfig{Silent: true}))
	if _, err := p.Publish(testCtx, testTask("negotium_test_kind", "add"), nil, nil); !errors.Is(err, ErrUnknownBroker) {
		t.Errorf("expected ErrUnknownBroker, got %v", err)
	}
}

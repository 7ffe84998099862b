package negotium

import (
	"encoding/json"
	"testing"
)

func testConn(t *testing.T) Conn {
	t.Helper()
	requireRedis(t)
	broker, err := ParseBroker("redis://" + testRedis.Options().Addr + "/0")
	if err != nil {
		t.Fatal(err)
	}
	conn, err := broker.Connect(testCtx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestTrackerGeneratesIdentifier(t *testing.T) {
	conn := testConn(t)
	tr := newTracker(conn, "negotium_test_tracker")

	id, err := tr.track(testCtx, commandBLPop, mainQueueKey("negotium_test_tracker"), "", "")
	if err != nil {
		t.Fatalf("track failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated identifier")
	}

	records, _ := testRedis.LRange(testCtx, trackerKey("negotium_test_tracker", id), 0, -1).Result()
	if len(records) != 1 {
		t.Errorf("expected 1 record, got %d", len(records))
	}
}

func TestTrackerGroupsUnderOneIdentifier(t *testing.T) {
	conn := testConn(t)
	tr := newTracker(conn, "negotium_test_tracker")

	id, err := tr.track(testCtx, commandLRem, "some_list", "value", "")
	if err != nil {
		t.Fatal(err)
	}
	reused, err := tr.track(testCtx, commandZRem, "some_set", "value", id)
	if err != nil {
		t.Fatal(err)
	}
	if reused != id {
		t.Errorf("expected reused identifier %s, got %s", id, reused)
	}

	records, _ := testRedis.LRange(testCtx, trackerKey("negotium_test_tracker", id), 0, -1).Result()
	if len(records) != 2 {
		t.Errorf("expected 2 grouped records, got %d", len(records))
	}
}

func TestTrackerCancelReplaysOperations(t *testing.T) {
	conn := testConn(t)
	appName := "negotium_test_tracker_cancel"
	tr := newTracker(conn, appName)

	listKey := schedulerQueueKey(appName)
	setKey := schedulerSortedSetKey(appName)
	element := `{"_task":{"function_name":"add"},"_eta":"2030-01-01 00:00:00.000000"}`

	if err := conn.RPush(testCtx, listKey, element); err != nil {
		t.Fatal(err)
	}
	if err := conn.ZAdd(testCtx, setKey, 1893456000, element); err != nil {
		t.Fatal(err)
	}

	id, err := tr.track(testCtx, commandLRem, listKey, element, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tr.track(testCtx, commandZRem, setKey, element, id); err != nil {
		t.Fatal(err)
	}

	if err := tr.cancel(testCtx, id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	listLen, _ := testRedis.LLen(testCtx, listKey).Result()
	setLen, _ := testRedis.ZCard(testCtx, setKey).Result()
	if listLen != 0 || setLen != 0 {
		t.Errorf("cancel left list=%d set=%d", listLen, setLen)
	}
	exists, _ := testRedis.Exists(testCtx, trackerKey(appName, id)).Result()
	if exists != 0 {
		t.Error("tracker key should be deleted")
	}
}

func TestTrackerCancelDrainsMainQueue(t *testing.T) {
	conn := testConn(t)
	appName := "negotium_test_tracker_drain"
	tr := newTracker(conn, appName)

	queue := mainQueueKey(appName)
	if err := conn.RPush(testCtx, queue, `{"function_name":"add"}`); err != nil {
		t.Fatal(err)
	}
	id, err := tr.track(testCtx, commandBLPop, queue, "", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := tr.cancel(testCtx, id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	pending, _ := testRedis.LLen(testCtx, queue).Result()
	if pending != 0 {
		t.Errorf("expected drained queue, got %d elements", pending)
	}
}

func TestTrackerCancelUnknownIdentifier(t *testing.T) {
	conn := testConn(t)
	tr := newTracker(conn, "negotium_test_tracker")

	if err := tr.cancel(testCtx, "00000000-0000-0000-0000-000000000000"); err != nil {
		t.Errorf("cancel of unknown identifier should be a no-op, got %v", err)
	}
}

func TestTrackerRecordWireFormat(t *testing.T) {
	body, err := json.Marshal(trackerRecord{Name: "negotium_queue__app", Identifier: "", Command: commandBLPop})
	if err != nil {
		t.Fatal(err)
	}
	expected := `{"_name":"negotium_queue__app","_identifier":"","_command":2}`
	if string(body) != expected {
		t.Errorf("expected %s, got %s", expected, body)
	}
}

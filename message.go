// Package negotium wire formats.
// Defines the task descriptor and the scheduler/periodic envelopes wrapped
// around it on the broker.
package negotium

import (
	"encoding/json"
	"strings"
	"time"
)

// etaLayout is the wire format for "_eta" values, microsecond precision.
// The serialized envelope doubles as the removal key in the scheduler list
// and sorted set, so the format must stay stable across clients.
const etaLayout = "2006-01-02 15:04:05.000000"

// timestampLayout is the informational enqueue timestamp on descriptors.
const timestampLayout = "2006-01-02 15:04:05"

// Task is the serialized invocation payload. The triple
// (PackageDir, ModuleName, FunctionName) locates the registered handler;
// Args and Kwargs carry the invocation arguments as the raw JSON the
// producer serialized.
type Task struct {
	AppName      string                     `json:"app_name"`
	PackageDir   string                     `json:"package_dir"`
	PackageName  string                     `json:"package_name"`
	ModuleName   string                     `json:"module_name"`
	FunctionName string                     `json:"function_name"`
	Timestamp    string                     `json:"timestamp"`
	Args         []json.RawMessage          `json:"args"`
	Kwargs       map[string]json.RawMessage `json:"kwargs"`
	IsScheduled  bool                       `json:"_is_scheduled,omitempty"`
}

// HandlerName reconstructs the dotted name the task was registered under.
func (t *Task) HandlerName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{t.PackageDir, t.ModuleName, t.FunctionName} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// schedulerEnvelope wraps a task scheduled for a specific time. Marshaled
// exactly once per enqueue: the same bytes are the scheduler-list element,
// the sorted-set member and the tracker identifiers.
type schedulerEnvelope struct {
	Task Task   `json:"_task"`
	ETA  string `json:"_eta"`
}

// periodicEnvelope wraps a recurring task. It lives in the durable periodic
// list until an operator removes it.
type periodicEnvelope struct {
	Task Task   `json:"_task"`
	Cron string `json:"_cron"`
}

// parseETA reads an "_eta" wire value back into a time.
func parseETA(s string) (time.Time, error) {
	return time.ParseInLocation(etaLayout, s, time.Local)
}

// etaScore converts an eta to its sorted-set score: POSIX epoch seconds at
// the microsecond precision the wire format carries.
func etaScore(eta time.Time) float64 {
	return float64(eta.UnixMicro()) / 1e6
}

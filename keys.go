package negotium

import "fmt"

// Key roots shared by every negotium client on the wire. Each key is
// suffixed with "__<app_name>" so applications sharing a broker stay
// isolated.
const (
	mainQueue          = "negotium_queue"
	schedulerQueue     = "negotium_scheduler_queue"
	schedulerSortedSet = "negotium_scheduler_sorted_set"
	periodicTasks      = "negotium_periodic_tasks"
	trackerPrefix      = "negotium_tracker"
)

func mainQueueKey(appName string) string {
	return fmt.Sprintf("%s__%s", mainQueue, appName)
}

func schedulerQueueKey(appName string) string {
	return fmt.Sprintf("%s__%s", schedulerQueue, appName)
}

func schedulerSortedSetKey(appName string) string {
	return fmt.Sprintf("%s__%s", schedulerSortedSet, appName)
}

func periodicTasksKey(appName string) string {
	return fmt.Sprintf("%s__%s", periodicTasks, appName)
}

func trackerKey(appName, identifier string) string {
	return fmt.Sprintf("%s__%s__%s", trackerPrefix, appName, identifier)
}

// Package negotium configuration.
// Default broker location and the process-wide worker-mode switch.
package negotium

import (
	"os"

	"github.com/joho/godotenv"
)

// Default broker location when the application supplies no URL.
const (
	DefaultHost = "localhost"
	DefaultPort = 6379
)

const (
	envWorker                = "NEGOTIUM_WORKER"
	envWorkerIgnoreExecution = "NEGOTIUM_WORKER_IGNORE_EXECUTION"
)

// loadEnv pulls a .env file into the process environment when one is
// present. Variables already set win over the file.
func loadEnv() {
	_ = godotenv.Load()
}

// DisableWorker stops publish calls from contacting the broker: tasks run
// inline in the producer process, or are skipped entirely when
// ignoreExecution is set. Intended for testing application code without a
// running broker.
func DisableWorker(ignoreExecution bool) {
	os.Setenv(envWorker, "0")
	if ignoreExecution {
		os.Setenv(envWorkerIgnoreExecution, "1")
	}
}

// EnableWorker restores normal broker-backed dispatch.
func EnableWorker() {
	os.Setenv(envWorker, "1")
}

func workerEnabled() bool {
	return getenv(envWorker, "1") == "1"
}

func ignoreExecution() bool {
	return getenv(envWorkerIgnoreExecution, "0") == "1"
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

package scheduler

import (
	"os"
	"strings"
)

// DefaultApp prefixes generated worker ids.
const DefaultApp = "jobsched"

// NewWorkerID returns "<app>::<hostname>", or "<app>::<hostname>::<instance>"
// when instance is set. The id is stable across restarts so that a restarted
// process recovers the locks its predecessor left behind. Processes sharing a
// host and app name need distinct instances.
func NewWorkerID(app, instance string) string {
	app = strings.TrimSpace(app)
	if app == "" {
		app = DefaultApp
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	parts := []string{app, host}
	if instance = strings.TrimSpace(instance); instance != "" {
		parts = append(parts, instance)
	}
	return strings.Join(parts, "::")
}

package config

import (
	"os"

	"github.com/go-kit/log"
)

var Version string

// Global variable, but easier than passing a logger around throughout the system
var Logger log.Logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

func init() {
	Logger = log.With(Logger, "ts", log.DefaultTimestampUTC)
}

// DefaultShareHost is the file server that backs every SMB share.
const DefaultShareHost = "192.168.1.6"

// Queue names understood by the broker and the workers.
const (
	QueueDefault = "default_queue"
	QueueGpu     = "gpu_queue"
	Queue4K      = "4k_queue"
)

// InContainer reports whether the process runs inside a container with an
// isolated network, i.e. shares are reachable only through /mnt mounts.
func InContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err != nil {
		return false
	}
	_, err := os.Stat(`V:\`)
	return err != nil
}

package storage

import (
	"errors"
	"time"

	"fleetsched/internal/coord"
	"fleetsched/internal/task"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Backend bundles the task store with the coordination KV it was opened with.
type Backend struct {
	Driver string
	Tasks  task.Store
	KV     coord.KV

	close func() error
}

func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

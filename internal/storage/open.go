package storage

import (
	"errors"
	"strings"

	"fleetsched/internal/coord"
	"fleetsched/pkg/logx"
)

const defaultBusyTimeout = 5000 // ms

// Open initializes the configured backend.
func Open(cfg Config, log logx.Logger) (*Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory", "mem":
		st := NewMemoryStore()
		return &Backend{Driver: "memory", Tasks: st, KV: coord.NewMemoryKV(), close: st.Close}, nil
	case "file":
		st, err := openFile(cfg, log)
		if err != nil {
			return nil, err
		}
		return &Backend{Driver: "file", Tasks: st, KV: coord.NewMemoryKV(), close: st.Close}, nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

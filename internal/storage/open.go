package storage

import (
	"context"
	"errors"
	"strings"

	logx "livedash/pkg/logx"
)

// Store is the persistence API used by the orchestrator and the HTTP API.
type Store interface {
	PutWidget(ctx context.Context, w WidgetRecord) error
	DeleteWidget(ctx context.Context, id string) error
	// DeleteDashboard removes every widget of token and reports how many.
	DeleteDashboard(ctx context.Context, token string) (int, error)
	// LoadWidgets returns all widgets ordered by token, then id.
	LoadWidgets(ctx context.Context) ([]WidgetRecord, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Package store persists run history so runs outlive the process that
// executed them.
package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadfoundry/internal/config"
	"github.com/sells-group/leadfoundry/internal/model"
)

// ErrNotFound is returned by GetRun for unknown ids.
var ErrNotFound = eris.New("store: run not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.Status `json:"status,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	Offset int          `json:"offset,omitempty"`
}

// RunStore defines the persistence interface for run history.
type RunStore interface {
	// SaveRun inserts the run or replaces the stored copy.
	SaveRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Open creates the store selected by cfg.Driver and migrates it. Driver
// "none" returns a nil store.
func Open(ctx context.Context, cfg config.StoreConfig) (RunStore, error) {
	var (
		s   RunStore
		err error
	)
	switch cfg.Driver {
	case "", "none":
		return nil, nil
	case "sqlite":
		s, err = NewSQLite(cfg.DatabaseURL)
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

func marshalMetrics(m model.Metrics) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal metrics")
	}
	return data, nil
}

func unmarshalMetrics(data []byte, m *model.Metrics) error {
	if len(data) == 0 {
		return nil
	}
	return eris.Wrap(json.Unmarshal(data, m), "store: unmarshal metrics")
}

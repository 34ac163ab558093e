package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/database"
	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"go.uber.org/zap"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

var testClockTime = time.Unix(1700000600, 0).UTC()

func newTestStore(t *testing.T, ids ...string) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:deploysync_store_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	cfg := Config{
		Database: db,
		Clock:    func() time.Time { return testClockTime },
	}
	if len(ids) > 0 {
		cfg.IDProvider = &staticIDGenerator{ids: ids}
	}
	return New(cfg)
}

func mustDeployment(t *testing.T, record records.Record, err error) *records.Deployment {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected deployment error: %v", err)
	}
	deployment, ok := record.(*records.Deployment)
	if !ok {
		t.Fatalf("expected deployment, got %T", record)
	}
	return deployment
}

func mustStep(t *testing.T, record records.Record, err error) *records.Step {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected step error: %v", err)
	}
	step, ok := record.(*records.Step)
	if !ok {
		t.Fatalf("expected step, got %T", record)
	}
	return step
}

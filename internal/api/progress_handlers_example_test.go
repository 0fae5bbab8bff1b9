package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/streamq/internal/storage/memory"
	"github.com/JakeFAU/streamq/internal/store"
)

// ExampleProgressHandler_ListRuns shows how to serve the /api/runs endpoint.
func ExampleProgressHandler_ListRuns() {
	repo := memory.NewProgressStore()
	runID := uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	if err := repo.UpsertRunStart(context.Background(), store.QueryRun{
		RunID:     runID,
		QueryID:   runID,
		StartedAt: time.Unix(0, 0),
	}); err != nil {
		panic(err)
	}
	handler := NewProgressHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/runs?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, req)

	var payload struct {
		Runs []map[string]any `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned runs: %d, status: %v\n", len(payload.Runs), payload.Runs[0]["status"])
	// Output:
	// returned runs: 1, status: running
}

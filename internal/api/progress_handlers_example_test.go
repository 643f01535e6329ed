package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"go.uber.org/zap"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
	"github.com/Abdodiab2005/aqarmap-scraper/internal/storage/memory"
)

// ExampleProgressHandler_ListTargets shows how to serve the /api/targets endpoint.
func ExampleProgressHandler_ListTargets() {
	checkpoints := memory.NewCheckpointStore()
	_ = checkpoints.Save(context.Background(), crawler.Checkpoint{
		Key:           "cairo:discovery",
		LastPage:      12,
		LastPageTried: 12,
		UpdatedAt:     time.Unix(0, 0),
	})
	handler := NewProgressHandler(
		[]crawler.Target{{Name: "cairo", SeedURL: "https://example.com/cairo", StartPage: 1}},
		checkpoints,
		zap.NewNop(),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/targets?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListTargets(rec, req)

	var payload struct {
		Targets []targetDTO `json:"targets"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("%s last page: %d\n", payload.Targets[0].Name, payload.Targets[0].Checkpoint.LastPage)
	// Output:
	// cairo last page: 12
}

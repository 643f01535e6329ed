package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/Abdodiab2005/aqarmap-scraper/internal/crawler"
)

const (
	defaultTargetLimit = 50
	maxTargetLimit     = 500
	progressTimeout    = 3 * time.Second
)

// ProgressHandler exposes read-only discovery progress per target.
type ProgressHandler struct {
	targets     []crawler.Target
	checkpoints crawler.CheckpointStore
	timeout     time.Duration
	logger      *zap.Logger
}

// NewProgressHandler wires the configured targets and checkpoint store.
func NewProgressHandler(targets []crawler.Target, checkpoints crawler.CheckpointStore, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		targets:     targets,
		checkpoints: checkpoints,
		timeout:     progressTimeout,
		logger:      logger,
	}
}

// ListTargets handles GET /api/targets?limit=&offset=. It returns
// {"targets": [...]} on success, 400 for invalid paging, 503 when no
// checkpoint store is configured, or 500 if a load fails.
func (h *ProgressHandler) ListTargets(w http.ResponseWriter, r *http.Request) {
	if h.checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultTargetLimit, maxTargetLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	page := h.targets[min(offset, len(h.targets)):min(offset+limit, len(h.targets))]
	out := make([]targetDTO, 0, len(page))
	for _, target := range page {
		dto, err := h.load(ctx, target)
		if err != nil {
			h.logger.Error("load checkpoint failed", zap.String("target", target.Name), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load checkpoints")
			return
		}
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": out})
}

// GetTarget handles GET /api/targets/{target}. It returns {"target": {...}}
// on success, 404 for unknown targets, or 500 if the load fails.
func (h *ProgressHandler) GetTarget(w http.ResponseWriter, r *http.Request) {
	if h.checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint store unavailable")
		return
	}
	name := chi.URLParam(r, "target")
	if name == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	var (
		target crawler.Target
		found  bool
	)
	for _, t := range h.targets {
		if t.Name == name {
			target, found = t, true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	dto, err := h.load(ctx, target)
	if err != nil {
		h.logger.Error("load checkpoint failed", zap.String("target", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load checkpoint")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": dto})
}

func (h *ProgressHandler) load(ctx context.Context, target crawler.Target) (targetDTO, error) {
	dto := targetDTO{
		Name:      target.Name,
		SeedURL:   target.SeedURL,
		StartPage: target.StartPage,
		PageLimit: target.PageLimit,
	}
	cp, ok, err := h.checkpoints.Load(ctx, target.CheckpointKey())
	if err != nil {
		return targetDTO{}, err
	}
	if ok {
		dto.Checkpoint = &checkpointDTO{
			LastPage:      cp.LastPage,
			LastPageTried: cp.LastPageTried,
			UpdatedAt:     cp.UpdatedAt,
		}
	}
	return dto, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type targetDTO struct {
	Name       string         `json:"name"`
	SeedURL    string         `json:"url"`
	StartPage  int            `json:"start_page"`
	PageLimit  int            `json:"page_limit,omitempty"`
	Checkpoint *checkpointDTO `json:"checkpoint"`
}

type checkpointDTO struct {
	LastPage      int       `json:"last_page"`
	LastPageTried int       `json:"last_page_tried"`
	UpdatedAt     time.Time `json:"updated_at"`
}

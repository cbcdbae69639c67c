package response

import (
	"github.com/user/portal-ingest/internal/entity"
)

// StatsResponse is the per-category status breakdown plus totals by status.
type StatsResponse struct {
	Counts []entity.StatusCount `json:"counts"`
	Totals map[string]int64     `json:"totals"`
}

func NewStatsResponse(rows []entity.StatusCount) StatsResponse {
	totals := make(map[string]int64)
	for _, r := range rows {
		totals[string(r.Status)] += r.Count
	}
	if rows == nil {
		rows = []entity.StatusCount{}
	}
	return StatsResponse{Counts: rows, Totals: totals}
}

type FileListResponse struct {
	Files  []*entity.TrackedFile `json:"files"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

type ResetResponse struct {
	Reset int64 `json:"reset"`
}

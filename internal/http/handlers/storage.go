package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/opensensor/lightnvr-go/internal/storagemgr"
)

// StorageHandler exposes the storage manager's aggregate stats as
// an introspection endpoint, following HealthHandler's registration shape.
type StorageHandler struct {
	manager     *storagemgr.Manager
	storageRoot string
}

// NewStorageHandler constructs a StorageHandler over manager, statting
// storageRoot for disk capacity.
func NewStorageHandler(manager *storagemgr.Manager, storageRoot string) *StorageHandler {
	return &StorageHandler{manager: manager, storageRoot: storageRoot}
}

// StorageStatsInput is the input for the storage stats endpoint.
type StorageStatsInput struct{}

// StorageStatsOutput is the output for the storage stats endpoint.
type StorageStatsOutput struct {
	Body StorageStatsResponse
}

// StorageStatsResponse mirrors storagemgr.Stats for the wire.
type StorageStatsResponse struct {
	TotalRecordings int64   `json:"total_recordings"`
	TotalBytes      int64   `json:"total_bytes"`
	Oldest          *string `json:"oldest,omitempty"`
	Newest          *string `json:"newest,omitempty"`
	DiskTotal       uint64  `json:"disk_total"`
	DiskAvail       uint64  `json:"disk_avail"`
}

// Register registers the storage routes with the API.
func (h *StorageHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStorageStats",
		Method:      "GET",
		Path:        "/storage/stats",
		Summary:     "Storage statistics",
		Description: "Returns aggregate recording counts, bytes, and disk capacity",
		Tags:        []string{"System"},
	}, h.GetStorageStats)
}

// GetStorageStats returns the current aggregate storage snapshot.
func (h *StorageHandler) GetStorageStats(ctx context.Context, _ *StorageStatsInput) (*StorageStatsOutput, error) {
	stats, err := h.manager.Stats(ctx, h.storageRoot)
	if err != nil {
		return nil, huma.Error500InternalServerError("collecting storage stats", err)
	}

	resp := StorageStatsResponse{
		TotalRecordings: stats.TotalRecordings,
		TotalBytes:      stats.TotalBytes,
		DiskTotal:       stats.DiskTotal,
		DiskAvail:       stats.DiskAvail,
	}
	if stats.Oldest != nil {
		s := stats.Oldest.UTC().Format(time.RFC3339)
		resp.Oldest = &s
	}
	if stats.Newest != nil {
		s := stats.Newest.UTC().Format(time.RFC3339)
		resp.Newest = &s
	}

	return &StorageStatsOutput{Body: resp}, nil
}

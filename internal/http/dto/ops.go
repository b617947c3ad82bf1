package dto

import (
	"strconv"

	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/workerstatus"
)

type QueueCountsResponse struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

func ToQueueCountsResponse(counts model.TaskCounts) QueueCountsResponse {
	resp := QueueCountsResponse{Counts: make(map[string]int, len(counts))}
	for status, n := range counts {
		resp.Counts[string(status)] = n
		resp.Total += n
	}
	return resp
}

type WorkersResponse struct {
	Workers []workerstatus.Status `json:"workers"`
}

func formatID(id int64) string { return strconv.FormatInt(id, 10) }

package api

import "github.com/absmach/roundsync/pkg/orchestration"

type healthRes struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	RunID   string `json:"run_id"`
}

type statusRes struct {
	orchestration.Status
}

type roundsRes struct {
	Total  int                         `json:"total"`
	Rounds []orchestration.RoundRecord `json:"rounds"`
}

type roundRes struct {
	orchestration.RoundRecord
}

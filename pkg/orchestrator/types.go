package orchestrator

import "time"

// PoolHealth mirrors the teacher's PoolHealth for the worker pool's
// /healthz surface (SPEC_FULL.md §6's added ambient endpoint), generalized
// from sessions to executions.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	DBReachable      bool           `json:"db_reachable"`
	DBError          string         `json:"db_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveExecutions int            `json:"active_executions"`
	MaxConcurrent    int            `json:"max_concurrent"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth mirrors the teacher's WorkerHealth.
type WorkerHealth struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"`
	CurrentExecutionID string   `json:"current_execution_id,omitempty"`
	ExecutionsProcessed int     `json:"executions_processed"`
	LastActivity      time.Time `json:"last_activity"`
}

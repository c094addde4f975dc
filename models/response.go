package models

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status        string        `json:"status"` // "healthy" or "degraded"
	Uptime        string        `json:"uptime"`
	ExecutorStats ExecutorStats `json:"executor_stats"`
	Version       string        `json:"version"`
}

// ExecutorStats reports render slot utilisation.
type ExecutorStats struct {
	MaxConcurrent int `json:"max_concurrent"`
	Active        int `json:"active"`
	Waiting       int `json:"waiting"`
	MaxQueue      int `json:"max_queue"`
	BrowserPID    int `json:"browser_pid,omitempty"`
}

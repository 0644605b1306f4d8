package model

// MetricsSnapshot is the read-only export of the engine's rolling metrics.
type MetricsSnapshot struct {
	SchemaVersion       int     `yaml:"schema_version" json:"schema_version"`
	FileType            string  `yaml:"file_type" json:"file_type"`
	TasksProcessed      int     `yaml:"tasks_processed" json:"tasks_processed"`
	TasksApproved       int     `yaml:"tasks_approved" json:"tasks_approved"`
	TasksBlocked        int     `yaml:"tasks_blocked" json:"tasks_blocked"`
	TasksFailed         int     `yaml:"tasks_failed" json:"tasks_failed"`
	TasksCancelled      int     `yaml:"tasks_cancelled" json:"tasks_cancelled"`
	TestsRun            int     `yaml:"tests_run" json:"tests_run"`
	TotalDurationMs     int64   `yaml:"total_duration_ms" json:"total_duration_ms"`
	AverageDurationMs   float64 `yaml:"average_duration_ms" json:"average_duration_ms"`
	GatePassRate        float64 `yaml:"gate_pass_rate" json:"gate_pass_rate"`
	GateWindowSize      int     `yaml:"gate_window_size" json:"gate_window_size"`
	EstimatedTimeSaveMs int64   `yaml:"estimated_time_saved_ms" json:"estimated_time_saved_ms"`
	UpdatedAt           string  `yaml:"updated_at" json:"updated_at"`
}

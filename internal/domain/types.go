package domain

import "time"

// JobStatus tracks the lifecycle stage of a single segmentation job.
type JobStatus string

const (
	JobStatusReceived   JobStatus = "received"
	JobStatusUploaded   JobStatus = "uploaded"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job stores identity, lifecycle status, and artifact paths for one upload.
type Job struct {
	ID         string    `json:"id"`
	Status     JobStatus `json:"status"`
	InputPath  string    `json:"inputPath,omitempty"`
	OutputPath string    `json:"outputPath,omitempty"`
	Segments   []Segment `json:"segments,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Segment is one detected region reported by the model. Immutable once
// returned by the invoker. The JSON shape is what the browser consumes.
type Segment struct {
	ID         string   `json:"id"`
	URL        string   `json:"url"`
	ClassID    *int     `json:"classId,omitempty"`
	ClassName  string   `json:"className"`
	Confidence *float64 `json:"confidence,omitempty"`
	BBox       [4]int   `json:"bbox"`
	Area       *float64 `json:"area,omitempty"`
	CropPath   string   `json:"-"`
}

// ResultInfo is the small metadata record persisted by the save endpoint.
type ResultInfo struct {
	ResultID  string    `json:"resultId"`
	InputURL  string    `json:"inputUrl"`
	ResultURL string    `json:"resultUrl"`
	Timestamp time.Time `json:"timestamp"`
}

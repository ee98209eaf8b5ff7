package progress

// Lifecycle states a download session moves through.
type Status string

const (
	StatusStarting    Status = "starting"
	StatusExtracting  Status = "extracting"
	StatusDownloading Status = "downloading"
	StatusProcessing  Status = "processing"
	StatusStreaming   Status = "streaming"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
	StatusTimeout     Status = "timeout"
)

// Snapshot is the point-in-time progress of a session. Immutable per
// update: writers always publish a whole new value.
type Snapshot struct {
	Status     Status  `json:"status"`
	Message    string  `json:"message,omitempty"`
	Percent    float64 `json:"percent,omitempty"`
	Downloaded int64   `json:"downloaded,omitempty"`
	Total      int64   `json:"total,omitempty"`
}

func (s Snapshot) Equal(o Snapshot) bool {
	return s == o
}

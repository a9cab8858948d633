package model

// WebSocket message types pushed to job subscribers. The status endpoint
// remains the canonical interface; the socket is a convenience feed.
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage is the minimal envelope used for client pings.
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage is pushed whenever the pipeline persists progress.
type WSProgressMessage struct {
	Type     string    `json:"type"`
	JobID    string    `json:"jobId"`
	Status   JobStatus `json:"status"`
	Progress Progress  `json:"progress"`
}

// WSCompleteMessage is pushed once with the final result.
type WSCompleteMessage struct {
	Type   string  `json:"type"`
	JobID  string  `json:"jobId"`
	Result *Result `json:"result"`
}

// WSErrorMessage is pushed when the run fails.
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

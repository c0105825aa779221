package models

// QueryRequest is a natural-language question about the store data.
type QueryRequest struct {
	Query                string `json:"query" validate:"required,min=3,max=1000,minwords=2,safequery"`
	IncludeVisualization bool   `json:"include_visualization"`
}

// QueryResponse is the full answer payload. It is what the cache stores.
type QueryResponse struct {
	Response      string           `json:"response"`
	Data          []map[string]any `json:"data,omitempty"`
	Visualization *ChartHint       `json:"visualization,omitempty"`
	SQLQuery      string           `json:"sql_query,omitempty"`
	ExecutionTime float64          `json:"execution_time"`
	RecordCount   int              `json:"record_count"`
	Cached        bool             `json:"cached"`
}

// ChartHint describes how a client could chart the returned rows.
type ChartHint struct {
	Type   string `json:"type"` // "bar", "line", "table"
	XField string `json:"x_field,omitempty"`
	YField string `json:"y_field,omitempty"`
}

// ErrorResponse is the JSON body written for failed requests.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
	Details   string `json:"details,omitempty"`
	Timestamp string `json:"timestamp"`
}

// HealthResponse reports dependency status.
type HealthResponse struct {
	Status    string `json:"status"`
	Database  bool   `json:"database"`
	LLM       bool   `json:"llm"`
	Timestamp string `json:"timestamp"`
}

// ExportMetadata describes a JSON export.
type ExportMetadata struct {
	Query           string `json:"query"`
	SQLQuery        string `json:"sql_query"`
	ExportTimestamp string `json:"export_timestamp"`
	RecordCount     int    `json:"record_count"`
	Cached          bool   `json:"cached"`
}

// JSONExport is the body of /export/json.
type JSONExport struct {
	Metadata ExportMetadata   `json:"metadata"`
	Data     []map[string]any `json:"data"`
}

// StreamEvent is one server-sent event on /query-stream.
// Type is "metadata", "text", "complete" or "error".
type StreamEvent struct {
	Type        string `json:"type"`
	SQL         string `json:"sql,omitempty"`
	RecordCount *int   `json:"record_count,omitempty"`
	Cached      bool   `json:"cached,omitempty"`
	Content     string `json:"content,omitempty"`
	Message     string `json:"message,omitempty"`
}

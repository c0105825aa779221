package models

// Column describes one column of a dataset table.
type Column struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	NotNull    bool   `json:"not_null"`
	PrimaryKey bool   `json:"primary_key"`
}

// Schema maps table names to their ordered columns.
type Schema map[string][]Column

// SchemaResponse is returned by the schema endpoint.
type SchemaResponse struct {
	Schema      Schema `json:"schema"`
	TableCount  int    `json:"table_count"`
	Fingerprint string `json:"fingerprint"`
}

// SampleDataResponse is returned by the sample-data endpoint.
type SampleDataResponse struct {
	SampleData map[string][]map[string]any `json:"sample_data"`
	Tables     []string                    `json:"tables"`
}

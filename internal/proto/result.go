package proto

import (
	"encoding/json"
	"fmt"
)

// Column describes one result column as advertised by the first fragment.
type Column struct {
	Name     string `json:"name"`
	SQLType  string `json:"sql_type"`
	Nullable bool   `json:"nullable,omitempty"`
	IsString bool   `json:"is_string,omitempty"`
}

// Cell is one result cell. A null cell carries no data.
type Cell struct {
	Null bool   `json:"null,omitempty"`
	Data string `json:"data,omitempty"`
}

// WorkerResponse is the decoded body of one fragment. Only the first
// fragment of a stream carries Schema; every fragment carries zero or more
// rows. Rows are positional against the schema of the first fragment.
type WorkerResponse struct {
	Schema []Column `json:"schema,omitempty"`
	Rows   [][]Cell `json:"rows,omitempty"`
}

// MarshalBody encodes the response into fragment-body bytes.
func MarshalBody(r *WorkerResponse) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("proto: failed to encode response body: %w", err)
	}
	return data, nil
}

// UnmarshalBody decodes fragment-body bytes, rejecting rows whose width
// disagrees with the schema when one is present.
func UnmarshalBody(body []byte) (*WorkerResponse, error) {
	var r WorkerResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("proto: failed to decode response body: %w", err)
	}
	if len(r.Schema) > 0 {
		for i, row := range r.Rows {
			if len(row) != len(r.Schema) {
				return nil, fmt.Errorf("proto: row %d has %d cells, schema has %d columns", i, len(row), len(r.Schema))
			}
		}
	}
	return &r, nil
}

// SchemaEqual reports whether two advertised schemas agree column-for-column.
func SchemaEqual(a, b []Column) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

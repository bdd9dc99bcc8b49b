package task

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Record is one result item produced by a worker. Its shape belongs to the
// work function; tether stores and forwards it untouched.
type Record = json.RawMessage

// Query is the task descriptor handed to a worker on claim
type Query struct {
	TaskID     string  `json:"task_id"`
	Query      string  `json:"query"`
	TopK       int     `json:"top_k"`
	Proxy      *string `json:"proxy"`
	FilterYear *int    `json:"filter_year"`
}

// EncodeJSONL renders records one compact JSON value per line
func EncodeJSONL(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range records {
		if err := json.Compact(&buf, r); err != nil {
			return nil, err
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// DecodeJSONL parses one JSON value per non-empty line
func DecodeJSONL(data []byte) ([]Record, error) {
	records := make([]Record, 0)
	for i, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return nil, fmt.Errorf("line %d: invalid JSON", i+1)
		}
		records = append(records, Record(append([]byte(nil), line...)))
	}
	return records, nil
}

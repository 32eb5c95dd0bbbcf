package proto

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// TaskMsg is the czar-to-worker payload for one chunk sub-query. The czar
// serializes one TaskMsg per attempt; the worker executes Query against the
// chunk's tables and streams fragments back.
type TaskMsg struct {
	QueryID int64  `json:"query_id"`
	JobID   int    `json:"job_id"`
	Attempt int    `json:"attempt"`
	ChunkID int    `json:"chunk_id"`
	DB      string `json:"db"`
	Query   string `json:"query"`
}

// Marshal encodes the task message for transmission.
func (m *TaskMsg) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("proto: failed to encode task message: %w", err)
	}
	return data, nil
}

// UnmarshalTaskMsg decodes a task message payload.
func UnmarshalTaskMsg(data []byte) (*TaskMsg, error) {
	var m TaskMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("proto: failed to decode task message: %w", err)
	}
	return &m, nil
}

// Hash returns a hex digest of the serialized message. The digest is stable
// across serialize/parse cycles because Marshal emits fields in declaration
// order with no map iteration.
func (m *TaskMsg) Hash() (string, error) {
	data, err := m.Marshal()
	if err != nil {
		return "", err
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

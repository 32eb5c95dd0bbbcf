package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/lsst/qserv/internal/common"
)

// HTTPWorkerService is the WorkerService client speaking JSON over HTTP to
// each worker's management endpoint.
type HTTPWorkerService struct {
	workers map[string]string // name -> host:port
	client  *http.Client
	logger  arbor.ILogger
}

// NewHTTPWorkerService builds the client over the configured fleet.
func NewHTTPWorkerService(workers []common.WorkerAddr, logger arbor.ILogger) *HTTPWorkerService {
	byName := make(map[string]string, len(workers))
	for _, w := range workers {
		byName[w.Name] = fmt.Sprintf("%s:%d", w.Host, w.Port)
	}
	return &HTTPWorkerService{
		workers: byName,
		client:  &http.Client{Timeout: 2 * time.Minute},
		logger:  logger,
	}
}

func (s *HTTPWorkerService) url(worker, path string) (string, error) {
	addr, ok := s.workers[worker]
	if !ok {
		// Tools may address a worker directly by host:port.
		addr = worker
	}
	return "http://" + addr + path, nil
}

func (s *HTTPWorkerService) post(ctx context.Context, worker, path string, in, out interface{}) error {
	url, err := s.url(worker, path)
	if err != nil {
		return err
	}
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("worker %s returned %s: %s", worker, resp.Status, data)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *HTTPWorkerService) ExecuteSQL(ctx context.Context, worker string, queries []string) ([]SQLResult, error) {
	var out struct {
		Results []SQLResult `json:"results"`
	}
	err := s.post(ctx, worker, "/mgmt/sql", map[string]interface{}{"queries": queries}, &out)
	if err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (s *HTTPWorkerService) WorkerChunks(ctx context.Context, worker, database string) ([]int, error) {
	var out struct {
		Chunks []int `json:"chunks"`
	}
	err := s.post(ctx, worker, "/mgmt/chunks", map[string]string{"database": database}, &out)
	if err != nil {
		return nil, err
	}
	return out.Chunks, nil
}

func (s *HTTPWorkerService) FindReplica(ctx context.Context, worker, database string, chunk int) (*ReplicaInfo, error) {
	var out ReplicaInfo
	err := s.post(ctx, worker, "/mgmt/replica", map[string]interface{}{
		"database": database,
		"chunk":    chunk,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *HTTPWorkerService) MoveChunk(ctx context.Context, database string, chunk int, fromWorker, toWorker string) error {
	return s.post(ctx, fromWorker, "/mgmt/move", map[string]interface{}{
		"database": database,
		"chunk":    chunk,
		"to":       toWorker,
	}, nil)
}

func (s *HTTPWorkerService) Stop(ctx context.Context, worker, jobID string) error {
	return s.post(ctx, worker, "/mgmt/stop", map[string]string{"job_id": jobID}, nil)
}

// Notify sends one control command (RELOAD_CHUNK_LIST, ADD_CHUNK_GROUP,
// REMOVE_CHUNK_GROUP, TEST_ECHO) to a worker addressed as host:port.
func (s *HTTPWorkerService) Notify(ctx context.Context, service, command string, args []string) (string, error) {
	var out struct {
		Reply string `json:"reply"`
	}
	err := s.post(ctx, service, "/mgmt/notify", map[string]interface{}{
		"command": command,
		"args":    args,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Reply, nil
}

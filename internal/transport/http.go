// Package transport bridges the dispatch pipeline onto plain HTTP for
// deployments without the native streaming layer: one POST per attempt, the
// response body carrying the worker's fragment stream verbatim.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/lsst/qserv/internal/common"
	"github.com/lsst/qserv/internal/respond"
)

// HTTPTransport provisions sessions against the configured worker fleet. A
// resource path is pinned to a worker by hashing, so retries of the same
// task land on the same worker.
type HTTPTransport struct {
	workers []common.WorkerAddr
	client  *http.Client
	logger  arbor.ILogger
}

// NewHTTPTransport builds the transport over the configured fleet.
func NewHTTPTransport(workers []common.WorkerAddr, logger arbor.ILogger) *HTTPTransport {
	return &HTTPTransport{
		workers: workers,
		client: &http.Client{
			// No overall timeout: response streams are long-lived. Dial
			// failures surface quickly through the transport's own dialer.
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
		logger: logger,
	}
}

// Provision resolves resource to a worker and verifies it is reachable.
func (t *HTTPTransport) Provision(ctx context.Context, resource string) (respond.Session, error) {
	if len(t.workers) == 0 {
		return nil, fmt.Errorf("transport: no workers configured")
	}
	h := fnv.New32a()
	h.Write([]byte(resource))
	worker := t.workers[int(h.Sum32())%len(t.workers)]

	addr := fmt.Sprintf("%s:%d", worker.Host, worker.Port)
	conn, err := (&net.Dialer{Timeout: 5 * time.Second}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: worker %s unreachable: %w", worker.Name, err)
	}
	conn.Close()

	return &httpSession{
		url:    fmt.Sprintf("http://%s/query?resource=%s", addr, resource),
		client: t.client,
		logger: t.logger,
	}, nil
}

type httpSession struct {
	url    string
	client *http.Client
	logger arbor.ILogger
}

type httpConversation struct {
	cancel context.CancelFunc
}

func (c *httpConversation) Cancel() {
	c.cancel()
}

// Send posts the payload and pumps the response body into sink from its own
// goroutine, honoring the sink's buffer-sizing contract.
func (s *httpSession) Send(payload []byte, sink respond.Sink) (respond.Conversation, error) {
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("transport: worker returned %s", resp.Status)
	}

	go s.pump(resp.Body, sink)
	return &httpConversation{cancel: cancel}, nil
}

func (s *httpSession) pump(body io.ReadCloser, sink respond.Sink) {
	defer body.Close()
	for {
		buf := sink.NextBuffer()
		if len(buf) == 0 {
			return
		}
		n, err := io.ReadFull(body, buf)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			sink.Flush(n, true)
			return
		}
		if err != nil {
			sink.ErrorFlush(err.Error(), 1)
			return
		}
		if !sink.Flush(n, false) {
			return
		}
	}
}

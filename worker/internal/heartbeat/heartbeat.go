// Package heartbeat keeps the agent's liveness record fresh on the control
// plane. The scheduler treats a silent worker as dead and requeues its
// assignments, so beats must keep flowing even while jobs run.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/autovant/rca/pkg/rcapi"
)

type Client struct {
	endpoint    string
	apiToken    string
	interval    time.Duration
	currentLoad atomic.Int64
	httpClient  *http.Client
}

func New(baseURL, workerID, apiToken string, interval time.Duration) *Client {
	return &Client{
		endpoint:   strings.TrimRight(baseURL, "/") + "/v1/workers/" + workerID + "/heartbeat",
		apiToken:   strings.TrimSpace(apiToken),
		interval:   interval,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// SetLoad records the number of jobs currently executing; the next beat
// carries it so the scheduler can balance assignments.
func (c *Client) SetLoad(n int) {
	c.currentLoad.Store(int64(n))
}

// Start beats once immediately and then on every interval tick until the
// context ends. Send failures are logged and retried on the next tick; the
// control plane's missed-beat tolerance absorbs short gaps.
func (c *Client) Start(ctx context.Context) {
	if err := c.beat(ctx); err != nil {
		log.Printf("heartbeat failed: %v", err)
	}
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.beat(ctx); err != nil {
				log.Printf("heartbeat failed: %v", err)
			}
		}
	}
}

func (c *Client) beat(ctx context.Context) error {
	body, err := json.Marshal(rcapi.HeartbeatRequest{
		CurrentLoad:   int(c.currentLoad.Load()),
		TimestampUnix: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("X-RCA-Token", c.apiToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("heartbeat rejected: %s", resp.Status)
	}
	return nil
}

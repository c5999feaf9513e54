package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/autovant/rca/pkg/rcapi"
	"github.com/autovant/rca/worker/internal/config"
)

// Register announces the worker to the control plane and returns the
// heartbeat interval the control plane expects. A zero duration means the
// control plane did not specify one.
func Register(ctx context.Context, cfg config.Config) (time.Duration, error) {
	payload := rcapi.RegisterWorkerRequest{
		WorkerID:     cfg.WorkerID,
		Host:         cfg.Host,
		Port:         cfg.Port,
		Capacity:     cfg.Capacity,
		Capabilities: cfg.Capabilities,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.ControlPlaneBaseURL, "/")+"/v1/workers/register", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := strings.TrimSpace(cfg.APIToken); tok != "" {
		req.Header.Set("X-RCA-Token", tok)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("register worker failed with status %s", resp.Status)
	}

	var out rcapi.RegisterWorkerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return time.Duration(out.HeartbeatIntervalSeconds) * time.Second, nil
}

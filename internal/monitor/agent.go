// Package monitor implements the node agent that measures local capacity and
// reports it to the orchestrator once per period.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FayzaCH/fog-server/pkg/fogapi"
)

type Agent struct {
	baseURL  string
	hostID   string
	token    string
	period   time.Duration
	diskPath string
	client   *http.Client
}

func NewAgent(baseURL, hostID, token string, period time.Duration) *Agent {
	if period <= 0 {
		period = time.Second
	}
	return &Agent{
		baseURL:  strings.TrimRight(baseURL, "/"),
		hostID:   hostID,
		token:    strings.TrimSpace(token),
		period:   period,
		diskPath: "/",
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Run reports until ctx is canceled. One failed report is logged and skipped;
// the orchestrator ages out hosts that stay silent.
func (a *Agent) Run(ctx context.Context) {
	t := time.NewTicker(a.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := a.report(ctx); err != nil {
				logrus.WithError(err).Warn("telemetry report failed")
			}
		}
	}
}

func (a *Agent) report(ctx context.Context) error {
	snapshot := fogapi.TelemetrySnapshot{
		Hosts:         map[string]fogapi.HostSample{a.hostID: a.Sample()},
		TimestampUnix: time.Now().Unix(),
	}
	body, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/telemetry", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telemetry rejected: %s", resp.Status)
	}
	return nil
}

// Sample measures local CPU, RAM and disk capacity. CPU free is estimated
// from loadavg normalized by core count, RAM from /proc/meminfo and disk
// from statfs on the agent's data path.
func (a *Agent) Sample() fogapi.HostSample {
	sample := fogapi.HostSample{}

	cpus := float64(runtime.NumCPU())
	if cpus <= 0 {
		cpus = 1
	}
	sample.CPUCount = cpus
	sample.CPUFree = cpus
	if b, err := os.ReadFile("/proc/loadavg"); err == nil {
		if load, ok := parseLoadavg(string(b)); ok {
			free := cpus - load
			if free < 0 {
				free = 0
			}
			sample.CPUFree = free
		}
	}

	if b, err := os.ReadFile("/proc/meminfo"); err == nil {
		total, avail := parseMeminfo(string(b))
		sample.RAMTotal = total
		sample.RAMFree = avail
	}

	var fs syscall.Statfs_t
	if err := syscall.Statfs(a.diskPath, &fs); err == nil {
		bs := float64(fs.Bsize)
		sample.DiskTotal = float64(fs.Blocks) * bs / (1 << 20)
		sample.DiskFree = float64(fs.Bavail) * bs / (1 << 20)
	}

	return sample
}

func parseLoadavg(raw string) (float64, bool) {
	parts := strings.Fields(raw)
	if len(parts) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(parts[0], 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// parseMeminfo returns total and available RAM in MB.
func parseMeminfo(raw string) (total, avail float64) {
	for _, line := range strings.Split(raw, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
				total = v / 1024
			}
		case "MemAvailable:":
			if v, err := strconv.ParseFloat(fields[1], 64); err == nil {
				avail = v / 1024
			}
		}
	}
	return total, avail
}

package worker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kestrelmail/hookrelay/internal/logging"
	"github.com/kestrelmail/hookrelay/internal/metrics"
)

// StartBacklogMonitor polls nsqd's stats endpoint and exports channel depths
// as gauges so operators can see delivery backlog building up.
func StartBacklogMonitor(nsqdTCPAddr, topic, channel string) {
	go func() {
		logger := logging.New("hookrelay-worker-monitor")
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		httpClient := &http.Client{Timeout: 5 * time.Second}

		for range ticker.C {
			// nsqd serves stats on its HTTP port, one above the TCP port
			nsqdHTTPAddr := strings.Replace(nsqdTCPAddr, ":4150", ":4151", 1)
			resp, err := httpClient.Get(fmt.Sprintf("http://%s/stats?format=json", nsqdHTTPAddr))
			if err != nil {
				logger.Plain().WithError(err).Error("failed to get NSQ stats")
				continue
			}

			var stats struct {
				Topics []struct {
					Name     string `json:"topic_name"`
					Channels []struct {
						Name  string `json:"channel_name"`
						Depth int64  `json:"depth"`
					} `json:"channels"`
				} `json:"topics"`
			}

			if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
				resp.Body.Close()
				logger.Plain().WithError(err).Error("failed to decode NSQ stats")
				continue
			}
			resp.Body.Close()

			for _, t := range stats.Topics {
				for _, ch := range t.Channels {
					metrics.UpdateTopicDepth(t.Name, ch.Name, float64(ch.Depth))
					if t.Name == topic && ch.Name == channel {
						metrics.UpdateWorkerBacklog(float64(ch.Depth))
					}
				}
			}
		}
	}()
}

// Package backlog polls nsqd stats and exports queue depth gauges.
package backlog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/harbor_egress/internal/logging"
	"github.com/austindbirch/harbor_egress/internal/metrics"
)

// Stats is the subset of the nsqd /stats JSON the monitor reads
type Stats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

type Monitor struct {
	nsqdHTTP string
	topic    string
	channel  string
	interval time.Duration
	client   *http.Client
	logger   *logging.Logger
}

// New watches topic/channel on the nsqd HTTP address (e.g. http://nsqd:4151).
func New(nsqdHTTP, topic, channel string, interval time.Duration, logger *logging.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if !strings.HasPrefix(nsqdHTTP, "http://") && !strings.HasPrefix(nsqdHTTP, "https://") {
		nsqdHTTP = "http://" + nsqdHTTP
	}
	return &Monitor{
		nsqdHTTP: strings.TrimRight(nsqdHTTP, "/"),
		topic:    topic,
		channel:  channel,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Run polls until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Poll(ctx); err != nil {
			m.logger.Plain().WithError(err).Error("failed to update backlog metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll reads nsqd stats once and updates the gauges. A missing topic leaves
// the backlog gauge at its previous value.
func (m *Monitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.nsqdHTTP+"/stats?format=json", nil)
	if err != nil {
		return fmt.Errorf("build stats request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsq stats returned %d", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		for _, ch := range topic.Channels {
			if ch.ChannelName == m.channel {
				metrics.UpdateChangesBacklog(float64(ch.Depth))
			}
			metrics.UpdateNSQChannel(topic.TopicName, ch.ChannelName, float64(ch.Depth), float64(ch.InFlightCount))
		}
	}
	return nil
}

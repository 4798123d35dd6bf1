// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loaders

import (
	"context"
	"fmt"

	log "github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/slack-go/slack"
)

const pushJobName = "warehouse_loaders"

// MetricsReporter records pipeline outcomes on a private registry that is pushed to a
// Prometheus Pushgateway once all pipelines are done.
type MetricsReporter struct {
	registry *prometheus.Registry
	runs     *prometheus.CounterVec
	rows     *prometheus.GaugeVec
	duration *prometheus.GaugeVec
	url      string
}

// NewMetricsReporter returns a reporter pushing to the Pushgateway at url.
func NewMetricsReporter(url string) *MetricsReporter {
	m := &MetricsReporter{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loader_pipeline_runs_total",
			Help: "Pipeline runs by outcome.",
		}, []string{"pipeline", "outcome"}),
		rows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loader_rows_loaded",
			Help: "Rows in the destination table after the last successful run.",
		}, []string{"pipeline", "table"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loader_pipeline_duration_seconds",
			Help: "Wall time of the last run.",
		}, []string{"pipeline"}),
		url: url,
	}
	m.registry.MustRegister(m.runs, m.rows, m.duration)
	return m
}

func (m *MetricsReporter) Report(_ context.Context, r Result) {
	outcome := "completed"
	if !r.Succeeded() {
		outcome = "failed"
	}
	m.runs.WithLabelValues(r.Pipeline, outcome).Inc()
	m.duration.WithLabelValues(r.Pipeline).Set(r.Duration.Seconds())
	if r.Succeeded() {
		m.rows.WithLabelValues(r.Pipeline, r.Table.String()).Set(float64(r.Rows))
	}
}

// Push sends every recorded metric to the Pushgateway, replacing the previous push.
func (m *MetricsReporter) Push(ctx context.Context) error {
	if err := push.New(m.url, pushJobName).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %q: %w", m.url, err)
	}
	log.V(2).Infof("pushed metrics to %q", m.url)
	return nil
}

// SlackReporter posts one webhook message per pipeline result.
type SlackReporter struct {
	webhookURL string
	post       func(ctx context.Context, url string, msg *slack.WebhookMessage) error
}

// NewSlackReporter returns a reporter posting to the incoming webhook at webhookURL.
func NewSlackReporter(webhookURL string) *SlackReporter {
	return &SlackReporter{webhookURL: webhookURL, post: slack.PostWebhookContext}
}

func (s *SlackReporter) Report(ctx context.Context, r Result) {
	log.Infof("sending Slack webhook for pipeline %q (succeeded: %v)", r.Pipeline, r.Succeeded())
	if err := s.post(ctx, s.webhookURL, writeMessage(r)); err != nil {
		log.Warningf("failed to send Slack webhook for pipeline %q: %v", r.Pipeline, err)
	}
}

func writeMessage(r Result) *slack.WebhookMessage {
	color, text := "good", fmt.Sprintf("%s loaded into %s: %d rows", r.Subject, r.Table, r.Rows)
	if !r.Succeeded() {
		color, text = "danger", fmt.Sprintf("Error loading %s into %s: %v", r.Subject, r.Table, r.Err)
	}
	return &slack.WebhookMessage{
		Attachments: []slack.Attachment{{
			Text:  text,
			Color: color,
			Fields: []slack.AttachmentField{{
				Title: "Duration",
				Value: r.Duration.String(),
				Short: true,
			}},
		}},
	}
}

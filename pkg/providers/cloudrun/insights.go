package cloudrun

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	logging "google.golang.org/api/logging/v2"
	monitoring "google.golang.org/api/monitoring/v3"

	"github.com/openfroyo/instanced/pkg/engine"
	"github.com/openfroyo/instanced/pkg/telemetry"
)

// metricQuery describes one Cloud Monitoring series returned to callers.
type metricQuery struct {
	name       string
	unit       string
	metricType string
	aligner    string
	reducer    string
}

var metricQueries = []metricQuery{
	{"request_count", "1", "run.googleapis.com/request_count", "ALIGN_DELTA", "REDUCE_SUM"},
	{"request_latency_p50", "ms", "run.googleapis.com/request_latencies", "ALIGN_PERCENTILE_50", "REDUCE_MEAN"},
	{"instance_count", "1", "run.googleapis.com/container/instance_count", "ALIGN_MAX", "REDUCE_SUM"},
}

// ServiceMetrics implements engine.Insights.
func (p *Provider) ServiceMetrics(ctx context.Context, creds engine.Credentials, ref engine.ServiceRef, window time.Duration) (_ []engine.MetricSeries, err error) {
	ctx, span := telemetry.StartSpan(ctx, "cloudrun.service_metrics",
		telemetry.AttrProject.String(ref.Project), telemetry.AttrHandle.String(ref.Handle))
	defer func() { telemetry.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	defer func() { p.metrics.RecordProviderCall(providerName, "list_time_series", time.Since(start), err) }()

	api, err := monitoring.NewService(ctx, p.clientOptions(creds, p.cfg.MonitoringEndpoint)...)
	if err != nil {
		return nil, engine.NewPermanentError("failed to create monitoring client", err).WithCode(engine.ErrCodePermissionDenied)
	}

	end := time.Now().UTC()
	begin := end.Add(-window)
	alignment := fmt.Sprintf("%ds", int(p.cfg.MetricsAlignment.Seconds()))

	var series []engine.MetricSeries
	for _, q := range metricQueries {
		resp, err := api.Projects.TimeSeries.List("projects/" + ref.Project).
			Filter(metricFilter(q.metricType, ref)).
			IntervalStartTime(begin.Format(time.RFC3339)).
			IntervalEndTime(end.Format(time.RFC3339)).
			AggregationAlignmentPeriod(alignment).
			AggregationPerSeriesAligner(q.aligner).
			AggregationCrossSeriesReducer(q.reducer).
			Context(ctx).
			Do()
		if err != nil {
			return nil, classify("list_time_series", ref.Handle, err)
		}
		points := collectPoints(resp.TimeSeries)
		if len(points) == 0 {
			continue
		}
		series = append(series, engine.MetricSeries{Name: q.name, Unit: q.unit, Points: points})
	}
	return series, nil
}

func metricFilter(metricType string, ref engine.ServiceRef) string {
	return fmt.Sprintf(`metric.type="%s" AND resource.type="cloud_run_revision" AND resource.labels.service_name="%s" AND resource.labels.location="%s"`,
		metricType, ref.Handle, ref.Region)
}

// collectPoints flattens the series into one ascending list of points.
func collectPoints(series []*monitoring.TimeSeries) []engine.MetricPoint {
	var points []engine.MetricPoint
	for _, ts := range series {
		for _, pt := range ts.Points {
			if pt.Interval == nil || pt.Value == nil {
				continue
			}
			at, err := time.Parse(time.RFC3339Nano, pt.Interval.EndTime)
			if err != nil {
				continue
			}
			var v float64
			switch {
			case pt.Value.DoubleValue != nil:
				v = *pt.Value.DoubleValue
			case pt.Value.Int64Value != nil:
				v = float64(*pt.Value.Int64Value)
			default:
				continue
			}
			points = append(points, engine.MetricPoint{Timestamp: at.UTC(), Value: v})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	return points
}

// ServiceLogs implements engine.Insights.
func (p *Provider) ServiceLogs(ctx context.Context, creds engine.Credentials, ref engine.ServiceRef, limit int) (_ []engine.LogEntry, err error) {
	ctx, span := telemetry.StartSpan(ctx, "cloudrun.service_logs",
		telemetry.AttrProject.String(ref.Project), telemetry.AttrHandle.String(ref.Handle))
	defer func() { telemetry.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	defer func() { p.metrics.RecordProviderCall(providerName, "list_log_entries", time.Since(start), err) }()

	api, err := logging.NewService(ctx, p.clientOptions(creds, p.cfg.LoggingEndpoint)...)
	if err != nil {
		return nil, engine.NewPermanentError("failed to create logging client", err).WithCode(engine.ErrCodePermissionDenied)
	}

	resp, err := api.Entries.List(&logging.ListLogEntriesRequest{
		ResourceNames: []string{"projects/" + ref.Project},
		Filter: fmt.Sprintf(`resource.type="cloud_run_revision" AND resource.labels.service_name="%s" AND resource.labels.location="%s"`,
			ref.Handle, ref.Region),
		OrderBy:  "timestamp desc",
		PageSize: int64(limit),
	}).Context(ctx).Do()
	if err != nil {
		return nil, classify("list_log_entries", ref.Handle, err)
	}

	entries := make([]engine.LogEntry, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		at, _ := time.Parse(time.RFC3339Nano, e.Timestamp)
		severity := e.Severity
		if severity == "" {
			severity = "DEFAULT"
		}
		entries = append(entries, engine.LogEntry{
			Timestamp: at.UTC(),
			Severity:  severity,
			Message:   entryMessage(e),
		})
	}
	return entries, nil
}

func entryMessage(e *logging.LogEntry) string {
	if e.TextPayload != "" {
		return e.TextPayload
	}
	if len(e.JsonPayload) > 0 {
		var fields map[string]interface{}
		if err := json.Unmarshal(e.JsonPayload, &fields); err == nil {
			if msg, ok := fields["message"].(string); ok {
				return msg
			}
		}
		return string(e.JsonPayload)
	}
	if e.HttpRequest != nil {
		return fmt.Sprintf("%s %s %d", e.HttpRequest.RequestMethod, e.HttpRequest.RequestUrl, e.HttpRequest.Status)
	}
	return ""
}

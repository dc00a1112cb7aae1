package wizard

import (
	"context"

	"github.com/example/kyc-flow/internal/capture"
)

// MetricsSummary represents aggregated capture insights.
type MetricsSummary struct {
	TotalAttempts     int64         `json:"total_attempts"`
	AcceptedAttempts  int64         `json:"accepted_attempts"`
	AcceptanceRate    float64       `json:"acceptance_rate"`
	AverageDurationMs float64       `json:"average_duration_ms"`
	Steps             []StepSummary `json:"steps"`
}

// StepSummary aggregates the attempts of one step.
type StepSummary struct {
	Step              string           `json:"step"`
	Attempts          int64            `json:"attempts"`
	Accepted          int64            `json:"accepted"`
	AverageDurationMs float64          `json:"average_duration_ms"`
	ByState           map[string]int64 `json:"by_state"`
}

// GetMetricsSummary aggregates capture metrics from persisted attempts.
func (s *Service) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if s.deps.Attempts == nil {
		return nil, ErrNoAttemptLog
	}
	rows, err := s.deps.Attempts.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{Steps: []StepSummary{}}
	index := make(map[string]int)
	var totalDuration float64
	for _, row := range rows {
		i, ok := index[row.Step]
		if !ok {
			i = len(summary.Steps)
			index[row.Step] = i
			summary.Steps = append(summary.Steps, StepSummary{Step: row.Step, ByState: map[string]int64{}})
		}
		step := &summary.Steps[i]

		weighted := row.AvgDurationMs * float64(row.Count)
		stepDuration := step.AverageDurationMs*float64(step.Attempts) + weighted
		step.Attempts += row.Count
		step.ByState[row.State] += row.Count
		if row.State == string(capture.StateAccepted) {
			step.Accepted += row.Count
		}
		if step.Attempts > 0 {
			step.AverageDurationMs = stepDuration / float64(step.Attempts)
		}

		summary.TotalAttempts += row.Count
		totalDuration += weighted
		if row.State == string(capture.StateAccepted) {
			summary.AcceptedAttempts += row.Count
		}
	}

	if summary.TotalAttempts > 0 {
		summary.AcceptanceRate = float64(summary.AcceptedAttempts) / float64(summary.TotalAttempts)
		summary.AverageDurationMs = totalDuration / float64(summary.TotalAttempts)
	}

	return summary, nil
}

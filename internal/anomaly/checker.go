package anomaly

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// EngineVersion is stamped into every report's metadata.
const EngineVersion = "1.0.0"

// Score weights. The anomaly and duplicate signals contribute fixed
// amounts; rule violations contribute 20 each up to a 40 point cap.
const (
	anomalyWeight      = 40
	violationWeight    = 20
	violationWeightCap = 40
	duplicateWeight    = 30
)

// Checker runs the full screening pipeline over a bill and its
// history, combining the model, rule, and duplicate signals into one
// risk score. Each stage runs independently: a failure in one
// contributes its default rather than aborting the check.
type Checker struct {
	detector *Detector
	engine   *rules.Engine
	logger   *slog.Logger

	// now is swappable for tests of the overdue check.
	now func() time.Time
}

// NewChecker wires the screening stages together. The rule engine may
// be nil, in which case only the built-in checks run.
func NewChecker(detector *Detector, engine *rules.Engine, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		detector: detector,
		engine:   engine,
		logger:   logger,
		now:      time.Now,
	}
}

// FullCheck screens a bill against the history and returns the
// aggregated report. It never returns an error: degraded stages fall
// back to their defaults and the report says so in its score.
func (c *Checker) FullCheck(ctx context.Context, b *domain.Bill, history []*domain.Bill) *domain.AnomalyReport {
	start := time.Now()

	report := &domain.AnomalyReport{
		ID:             uuid.New().String(),
		BillID:         b.ID,
		RuleViolations: []string{},
		Timestamp:      start.UTC(),
		Metadata: domain.ReportMetadata{
			HistorySize:   len(history),
			EngineVersion: EngineVersion,
		},
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		report.Metadata.TraceID = sc.TraceID().String()
	}

	mlStart := time.Now()
	report.IsAnomaly, report.MLConfidence = c.detector.Predict(b)
	report.Metadata.MLMs = time.Since(mlStart).Milliseconds()

	rulesStart := time.Now()
	violations := rules.EvaluateBuiltin(b, c.now())
	if c.engine != nil {
		violations = append(violations, c.engine.Evaluate(b)...)
	}
	if violations != nil {
		report.RuleViolations = violations
	}
	report.Metadata.RulesMs = time.Since(rulesStart).Milliseconds()

	dupStart := time.Now()
	report.IsDuplicate = IsDuplicate(b, history)
	report.Metadata.DuplicateMs = time.Since(dupStart).Milliseconds()

	report.RiskScore = riskScore(report.IsAnomaly, len(report.RuleViolations), report.IsDuplicate)
	report.Recommendation = domain.RecommendationFor(report.RiskScore)
	report.Metadata.TotalMs = time.Since(start).Milliseconds()

	c.logger.Debug("bill checked",
		"bill_id", b.ID,
		"risk_score", report.RiskScore,
		"recommendation", report.Recommendation,
		"anomaly", report.IsAnomaly,
		"duplicate", report.IsDuplicate,
		"violations", len(report.RuleViolations))

	return report
}

// riskScore combines the three signals, clamped to [0, 100].
func riskScore(anomaly bool, violations int, duplicate bool) int {
	score := 0
	if anomaly {
		score += anomalyWeight
	}

	rulePoints := violations * violationWeight
	if rulePoints > violationWeightCap {
		rulePoints = violationWeightCap
	}
	score += rulePoints

	if duplicate {
		score += duplicateWeight
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

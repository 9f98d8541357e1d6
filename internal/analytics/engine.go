// Package analytics finds linear relationships between metric series,
// turns the notable ones into insights and extrapolates series forward.
package analytics

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seiforesti/data-wave-sub007/internal/observability"
	"github.com/seiforesti/data-wave-sub007/model"
)

// Prediction models.
const (
	ModelLinear = "linear"
	ModelNaive  = "naive"
)

const (
	weakThreshold     = 0.3
	moderateThreshold = 0.7

	// z-score of a two-sided 95% interval.
	z95 = 1.96
)

// Option customizes Engine construction.
type Option func(*Engine)

// WithMetrics records correlation, insight and prediction counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithFullConfidenceSamples sets the sample size at which confidence stops
// being discounted for small samples.
func WithFullConfidenceSamples(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.fullConfidence = n
		}
	}
}

// Engine is the correlation engine. It holds no state between calls.
type Engine struct {
	events         model.Publisher
	logger         *zap.Logger
	metrics        *observability.Metrics
	now            func() time.Time
	fullConfidence int
}

// NewEngine creates a correlation engine.
func NewEngine(events model.Publisher, logger *zap.Logger, opts ...Option) *Engine {
	if events == nil {
		events = model.NopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		events:         events,
		logger:         logger.Named("analytics"),
		now:            time.Now,
		fullConfidence: 30,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AnalyzeCorrelations returns the Pearson correlation of every unordered pair
// of series, in input order.
func (e *Engine) AnalyzeCorrelations(series []model.Series) ([]model.CorrelationResult, error) {
	if len(series) < 2 {
		return nil, model.NewInsufficientDataError("at least two series are required")
	}
	n := len(series[0].Values)
	for i, s := range series {
		if len(s.Values) < 2 {
			return nil, model.NewInsufficientDataError(
				fmt.Sprintf("series %q has %d values, at least 2 are required", s.Name, len(s.Values)))
		}
		if len(s.Values) != n {
			return nil, model.NewFieldValidationError(fmt.Sprintf("series[%d].values", i),
				fmt.Sprintf("series %q has %d values, want %d", s.Name, len(s.Values), n))
		}
		for j, v := range s.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, model.NewFieldValidationError(fmt.Sprintf("series[%d].values[%d]", i, j), "value must be finite")
			}
		}
	}

	results := make([]model.CorrelationResult, 0, len(series)*(len(series)-1)/2)
	for i := 0; i < len(series); i++ {
		for j := i + 1; j < len(series); j++ {
			r := pearson(series[i].Values, series[j].Values)
			results = append(results, model.CorrelationResult{
				SeriesA:     series[i].Name,
				SeriesB:     series[j].Name,
				Coefficient: r,
				Strength:    Strength(r),
				SampleSize:  n,
			})
		}
	}

	e.metrics.RecordCorrelations(len(results))
	e.logger.Debug("correlations analyzed",
		zap.Int("series", len(series)),
		zap.Int("samples", n),
		zap.Int("pairs", len(results)),
	)
	return results, nil
}

// pearson computes the correlation coefficient of equal-length samples. A
// constant series has no defined correlation and yields 0, except that two
// identical series always correlate perfectly.
func pearson(a, b []float64) float64 {
	n := float64(len(a))
	var meanA, meanB float64
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= n
	meanB /= n

	var cov, varA, varB float64
	identical := true
	for i := range a {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
		if a[i] != b[i] {
			identical = false
		}
	}
	if identical {
		return 1
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	return clamp(cov/math.Sqrt(varA*varB), -1, 1)
}

// Strength classifies a coefficient by magnitude.
func Strength(r float64) string {
	switch abs := math.Abs(r); {
	case abs < weakThreshold:
		return model.StrengthWeak
	case abs < moderateThreshold:
		return model.StrengthModerate
	default:
		return model.StrengthStrong
	}
}

// GenerateInsights turns moderate and strong correlations into insights and
// publishes each one. The strength label of each result is recomputed from
// its coefficient.
func (e *Engine) GenerateInsights(ctx context.Context, results []model.CorrelationResult) []model.Insight {
	_, span := observability.StartSpan(ctx, "analytics.generate_insights")
	defer span.End()

	insights := make([]model.Insight, 0, len(results))
	for _, r := range results {
		// Results may come from callers; strength always follows the coefficient.
		if math.IsNaN(r.Coefficient) {
			r.Coefficient = 0
		}
		r.Coefficient = clamp(r.Coefficient, -1, 1)
		r.Strength = Strength(r.Coefficient)
		if r.Strength == model.StrengthWeak {
			continue
		}
		confidence := clamp(math.Abs(r.Coefficient)*math.Min(1, float64(r.SampleSize)/float64(e.fullConfidence)), 0, 1)
		insight := model.Insight{
			ID:          uuid.New().String(),
			Title:       insightTitle(r),
			Description: insightDescription(r),
			Confidence:  confidence,
			Impact:      impact(r.Strength, confidence),
			DerivedFrom: []model.CorrelationResult{r},
			GeneratedAt: e.now().UTC(),
		}
		insights = append(insights, insight)

		e.metrics.RecordInsight(insight.Impact)
		e.events.Publish(model.TopicInsightGenerated, map[string]any{
			"insightId":  insight.ID,
			"title":      insight.Title,
			"impact":     insight.Impact,
			"confidence": insight.Confidence,
			"seriesA":    r.SeriesA,
			"seriesB":    r.SeriesB,
		})
	}

	e.logger.Info("insights generated",
		zap.Int("correlations", len(results)),
		zap.Int("insights", len(insights)),
	)
	return insights
}

func impact(strength string, confidence float64) string {
	switch {
	case strength == model.StrengthStrong && confidence >= 0.8:
		return model.ImpactCritical
	case strength == model.StrengthStrong:
		return model.ImpactHigh
	case strength == model.StrengthModerate && confidence >= 0.5:
		return model.ImpactMedium
	default:
		return model.ImpactLow
	}
}

func direction(r float64) string {
	if r < 0 {
		return "negative"
	}
	return "positive"
}

func insightTitle(r model.CorrelationResult) string {
	return fmt.Sprintf("%s %s correlation between %s and %s",
		strings.ToUpper(r.Strength[:1])+r.Strength[1:], direction(r.Coefficient), r.SeriesA, r.SeriesB)
}

func insightDescription(r model.CorrelationResult) string {
	verb := "rise and fall together"
	if r.Coefficient < 0 {
		verb = "move in opposite directions"
	}
	return fmt.Sprintf("%s and %s %s (r = %.2f over %d samples).",
		r.SeriesA, r.SeriesB, verb, r.Coefficient, r.SampleSize)
}

// Predict extrapolates features horizon steps past the last observation.
// The linear model fits a least-squares trend and widens a 95% interval
// with the horizon; the naive model repeats the last value with an interval
// derived from step-to-step variation.
func (e *Engine) Predict(modelName string, features []float64, horizon int) (model.Prediction, error) {
	if modelName == "" {
		modelName = ModelLinear
	}
	if horizon < 1 {
		return model.Prediction{}, model.NewFieldValidationError("horizon", "horizon must be at least 1")
	}
	for i, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return model.Prediction{}, model.NewFieldValidationError(fmt.Sprintf("features[%d]", i), "value must be finite")
		}
	}

	var p model.Prediction
	switch modelName {
	case ModelLinear:
		if len(features) < 2 {
			return model.Prediction{}, model.NewInsufficientDataError("linear model needs at least 2 observations")
		}
		p = e.linear(features, horizon)
	case ModelNaive:
		if len(features) < 1 {
			return model.Prediction{}, model.NewInsufficientDataError("naive model needs at least 1 observation")
		}
		p = e.naive(features, horizon)
	default:
		return model.Prediction{}, model.NewFieldValidationError("model",
			fmt.Sprintf("unknown model %q (linear, naive)", modelName))
	}

	e.metrics.RecordPrediction(modelName)
	return p, nil
}

func (e *Engine) linear(y []float64, horizon int) model.Prediction {
	n := float64(len(y))
	var meanX, meanY float64
	for i, v := range y {
		meanX += float64(i)
		meanY += v
	}
	meanX /= n
	meanY /= n

	var sxy, sxx, syy float64
	for i, v := range y {
		dx, dy := float64(i)-meanX, v-meanY
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	slope := sxy / sxx
	intercept := meanY - slope*meanX

	var sse float64
	for i, v := range y {
		d := v - (intercept + slope*float64(i))
		sse += d * d
	}
	var sd float64
	if len(y) > 2 {
		sd = math.Sqrt(sse / (n - 2))
	}

	// Goodness of fit; a flat series is perfectly explained by its trend.
	r2 := 1.0
	if syy > 0 {
		r2 = clamp(1-sse/syy, 0, 1)
	}

	estimate := intercept + slope*(n-1+float64(horizon))
	margin := z95 * sd * math.Sqrt(1+float64(horizon)/n)
	return model.Prediction{
		Model:      ModelLinear,
		Horizon:    horizon,
		Estimate:   estimate,
		Lower:      estimate - margin,
		Upper:      estimate + margin,
		Confidence: clamp(r2*math.Min(1, n/float64(e.fullConfidence)), 0, 1),
	}
}

func (e *Engine) naive(y []float64, horizon int) model.Prediction {
	last := y[len(y)-1]

	var sd float64
	if len(y) > 2 {
		diffs := make([]float64, len(y)-1)
		var mean float64
		for i := 1; i < len(y); i++ {
			diffs[i-1] = y[i] - y[i-1]
			mean += diffs[i-1]
		}
		mean /= float64(len(diffs))
		var ss float64
		for _, d := range diffs {
			ss += (d - mean) * (d - mean)
		}
		sd = math.Sqrt(ss / float64(len(diffs)-1))
	}

	margin := z95 * sd * math.Sqrt(float64(horizon))
	return model.Prediction{
		Model:      ModelNaive,
		Horizon:    horizon,
		Estimate:   last,
		Lower:      last - margin,
		Upper:      last + margin,
		Confidence: 0.5 * math.Min(1, float64(len(y))/float64(e.fullConfidence)),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

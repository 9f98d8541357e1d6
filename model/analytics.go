package model

import "time"

// Correlation strength classes.
const (
	StrengthWeak     = "weak"
	StrengthModerate = "moderate"
	StrengthStrong   = "strong"
)

// Insight impact levels.
const (
	ImpactLow      = "low"
	ImpactMedium   = "medium"
	ImpactHigh     = "high"
	ImpactCritical = "critical"
)

// Series is a named sequence of metric observations.
type Series struct {
	Name   string    `json:"name" yaml:"name"`
	Values []float64 `json:"values" yaml:"values"`
}

// CorrelationResult is the Pearson correlation of one pair of series.
type CorrelationResult struct {
	SeriesA     string  `json:"series_a"`
	SeriesB     string  `json:"series_b"`
	Coefficient float64 `json:"coefficient"`
	Strength    string  `json:"strength"`
	SampleSize  int     `json:"sample_size"`
}

// Insight is a human-readable finding derived from correlation results.
type Insight struct {
	ID          string              `json:"id"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Confidence  float64             `json:"confidence"`
	Impact      string              `json:"impact"`
	DerivedFrom []CorrelationResult `json:"derived_from"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// Prediction is a point estimate with a confidence interval.
type Prediction struct {
	Model      string  `json:"model"`
	Horizon    int     `json:"horizon"`
	Estimate   float64 `json:"estimate"`
	Lower      float64 `json:"lower"`
	Upper      float64 `json:"upper"`
	Confidence float64 `json:"confidence"`
}

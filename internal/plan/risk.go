package plan

import (
	"time"

	"github.com/shiftdb/shift/internal/analyzer"
	"github.com/shiftdb/shift/internal/policy"
	"github.com/shiftdb/shift/internal/relgraph"
)

// RiskLevel buckets the weighted score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskFactor is one named contributor. Contribution = Value * Weight, so
// a reviewer can see exactly why a plan scored the way it did.
type RiskFactor struct {
	Name         string  `json:"name"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// RiskAssessment is the explainable risk result.
type RiskAssessment struct {
	Level   RiskLevel    `json:"level"`
	Score   float64      `json:"score"`
	Factors []RiskFactor `json:"factors"`
}

const (
	weightTableCount     = 0.5
	weightMillionRows    = 10.0
	weightCyclicGroups   = 8.0
	weightRawColumns     = 3.0
	weightAdminFallbacks = 2.0
)

const (
	riskMediumAt = 15.0
	riskHighAt   = 40.0
)

// assessRisk computes the weighted risk for a plan's inputs.
func assessRisk(snap *analyzer.Snapshot, groups []relgraph.CycleGroup, policies []policy.AccessPolicy) RiskAssessment {
	rawCols := 0
	for _, t := range snap.Tables {
		for _, c := range t.Columns {
			if c.Kind == analyzer.KindRaw {
				rawCols++
			}
		}
	}
	adminFallbacks := 0
	for _, p := range policies {
		if p.Origin == policy.OriginAdminFallback {
			adminFallbacks++
		}
	}

	factors := []RiskFactor{
		factor("table_count", float64(len(snap.Tables)), weightTableCount),
		factor("estimated_million_rows", float64(snap.TotalEstimatedRows())/1e6, weightMillionRows),
		factor("cyclic_fk_groups", float64(len(groups)), weightCyclicGroups),
		factor("raw_typed_columns", float64(rawCols), weightRawColumns),
		factor("admin_fallback_policies", float64(adminFallbacks), weightAdminFallbacks),
	}

	var score float64
	for _, f := range factors {
		score += f.Contribution
	}
	level := RiskLow
	switch {
	case score >= riskHighAt:
		level = RiskHigh
	case score >= riskMediumAt:
		level = RiskMedium
	}
	return RiskAssessment{Level: level, Score: score, Factors: factors}
}

func factor(name string, value, weight float64) RiskFactor {
	return RiskFactor{Name: name, Value: value, Weight: weight, Contribution: value * weight}
}

// phases charged with fixed overhead in the duration estimate.
const overheadPhases = 5 // schema, policy, data, derived, validate

// estimateDuration is rows over throughput plus fixed per-phase overhead.
func estimateDuration(snap *analyzer.Snapshot, opts Options) time.Duration {
	seconds := float64(snap.TotalEstimatedRows()) / float64(opts.ThroughputRows)
	return time.Duration(seconds*float64(time.Second)) + overheadPhases*opts.PhaseOverhead
}

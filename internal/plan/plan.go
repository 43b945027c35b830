// Package plan builds immutable migration plans. A plan combines a schema
// snapshot, synthesized policies, and caller options into schema mapping
// DDL, an ordered data-transfer DAG, derived objects, rollback steps, and
// an explainable risk and duration estimate. Building never touches a
// database; execution and audit always refer to the fixed artifact.
package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/shiftdb/shift/internal/analyzer"
	"github.com/shiftdb/shift/internal/policy"
	"github.com/shiftdb/shift/internal/relgraph"
)

// DocumentVersion is bumped when the persisted plan layout changes.
const DocumentVersion = 1

// DataTransferJob copies one table. OrderRank follows the topological
// order; a job may not start until every job in DependencyIDs completed.
type DataTransferJob struct {
	JobID         string   `json:"job_id"`
	SourceTable   string   `json:"source_table"`
	TargetTable   string   `json:"target_table"`
	BatchSize     int      `json:"batch_size"`
	OrderRank     int      `json:"order_rank"`
	DependencyIDs []string `json:"dependency_ids,omitempty"`
}

// planDoc is the serialized form. Exported fields only via the JSON
// document; Go callers go through MigrationPlan's accessors.
type planDoc struct {
	Version          int                   `json:"version"`
	PlanID           string                `json:"plan_id"`
	CreatedAt        time.Time             `json:"created_at"`
	Snapshot         analyzer.Snapshot     `json:"source_snapshot"`
	Options          Options               `json:"options"`
	Mapping          []TargetTableSpec     `json:"schema_mapping"`
	Policies         []policy.AccessPolicy `json:"policies"`
	DataJobs         []DataTransferJob     `json:"data_jobs"`
	DerivedObjects   []DerivedObjectSpec   `json:"derived_objects,omitempty"`
	CycleGroups      []relgraph.CycleGroup `json:"cycle_groups,omitempty"`
	DeferredSQL      []string              `json:"deferred_constraint_sql,omitempty"`
	RollbackSteps    []RollbackStep        `json:"rollback_steps"`
	Risk             RiskAssessment        `json:"risk"`
	EstimatedSeconds float64               `json:"estimated_duration_seconds"`
}

// MigrationPlan is immutable once built. Fields are unexported and
// accessors return copies; re-planning produces a new plan_id.
type MigrationPlan struct {
	doc planDoc
}

func (p *MigrationPlan) PlanID() string              { return p.doc.PlanID }
func (p *MigrationPlan) CreatedAt() time.Time        { return p.doc.CreatedAt }
func (p *MigrationPlan) Snapshot() analyzer.Snapshot { return p.doc.Snapshot }
func (p *MigrationPlan) Options() Options            { return p.doc.Options }

func (p *MigrationPlan) Risk() RiskAssessment {
	r := p.doc.Risk
	r.Factors = append([]RiskFactor(nil), r.Factors...)
	return r
}

func (p *MigrationPlan) EstimatedDuration() time.Duration {
	return time.Duration(p.doc.EstimatedSeconds * float64(time.Second))
}

// Accessors over slice fields clone nested slices too, so no caller can
// reach the plan's backing arrays through a returned value.

func (p *MigrationPlan) Mapping() []TargetTableSpec {
	out := make([]TargetTableSpec, len(p.doc.Mapping))
	for i := range p.doc.Mapping {
		out[i] = cloneSpec(p.doc.Mapping[i])
	}
	return out
}

func (p *MigrationPlan) Policies() []policy.AccessPolicy {
	out := make([]policy.AccessPolicy, len(p.doc.Policies))
	for i, pol := range p.doc.Policies {
		pol.SubjectRoles = append([]string(nil), pol.SubjectRoles...)
		out[i] = pol
	}
	return out
}

func (p *MigrationPlan) DataJobs() []DataTransferJob {
	out := make([]DataTransferJob, len(p.doc.DataJobs))
	for i := range p.doc.DataJobs {
		out[i] = cloneJob(p.doc.DataJobs[i])
	}
	return out
}

func (p *MigrationPlan) DerivedObjects() []DerivedObjectSpec {
	out := make([]DerivedObjectSpec, len(p.doc.DerivedObjects))
	copy(out, p.doc.DerivedObjects)
	return out
}

func (p *MigrationPlan) CycleGroups() []relgraph.CycleGroup {
	out := make([]relgraph.CycleGroup, len(p.doc.CycleGroups))
	for i, g := range p.doc.CycleGroups {
		g.Tables = append([]string(nil), g.Tables...)
		keys := make([]relgraph.DeferredKey, len(g.DeferredKeys))
		for j, k := range g.DeferredKeys {
			k.ForeignKey.Columns = append([]string(nil), k.ForeignKey.Columns...)
			k.ForeignKey.RefColumns = append([]string(nil), k.ForeignKey.RefColumns...)
			keys[j] = k
		}
		g.DeferredKeys = keys
		out[i] = g
	}
	return out
}

func cloneSpec(s TargetTableSpec) TargetTableSpec {
	s.Columns = append([]TargetColumn(nil), s.Columns...)
	s.PrimaryKey = append([]string(nil), s.PrimaryKey...)
	s.IndexSQL = append([]string(nil), s.IndexSQL...)
	return s
}

func cloneJob(j DataTransferJob) DataTransferJob {
	j.DependencyIDs = append([]string(nil), j.DependencyIDs...)
	return j
}

// DeferredConstraintSQL returns the post-load ALTER TABLE statements for
// cycle-group foreign keys, in deterministic order.
func (p *MigrationPlan) DeferredConstraintSQL() []string {
	out := make([]string, len(p.doc.DeferredSQL))
	copy(out, p.doc.DeferredSQL)
	return out
}

func (p *MigrationPlan) RollbackSteps() []RollbackStep {
	out := make([]RollbackStep, len(p.doc.RollbackSteps))
	copy(out, p.doc.RollbackSteps)
	return out
}

// SpecFor returns the mapping entry for a source table, or nil.
func (p *MigrationPlan) SpecFor(sourceTable string) *TargetTableSpec {
	for i := range p.doc.Mapping {
		if p.doc.Mapping[i].SourceTable == sourceTable {
			spec := cloneSpec(p.doc.Mapping[i])
			return &spec
		}
	}
	return nil
}

// Job returns the data job with the given id, or nil.
func (p *MigrationPlan) Job(jobID string) *DataTransferJob {
	for i := range p.doc.DataJobs {
		if p.doc.DataJobs[i].JobID == jobID {
			job := cloneJob(p.doc.DataJobs[i])
			return &job
		}
	}
	return nil
}

// Fingerprint hashes the plan's content, excluding plan_id and
// created_at. Two plans built from identical inputs share a fingerprint
// while still carrying distinct ids.
func (p *MigrationPlan) Fingerprint() string {
	doc := p.doc
	doc.PlanID = ""
	doc.CreatedAt = time.Time{}
	raw, err := json.Marshal(doc)
	if err != nil {
		// planDoc contains only marshalable types.
		panic(err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// MarshalJSON serializes the versioned plan document.
func (p *MigrationPlan) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.doc)
}

// UnmarshalJSON restores a plan from its stored document.
func (p *MigrationPlan) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.doc)
}

package config

import (
	"time"

	"github.com/countyops/assessorsync/pkg/errors"
)

// JobSpec describes one named ingest job: where the rows come from, how they
// are mapped and loaded, and what happens after the load.
type JobSpec struct {
	Name        string     `yaml:"name" validate:"required"`
	DataType    string     `yaml:"data_type" validate:"required,oneof=property assessment tax_record cost_matrix_entry"`
	MappingName string     `yaml:"mapping" validate:"required"`
	// TargetTable defaults to the canonical table of DataType.
	TargetTable string     `yaml:"target_table"`
	Mode        string     `yaml:"mode" validate:"omitempty,oneof=append merge replace-all"`
	ChunkSize   int        `yaml:"chunk_size" validate:"gte=0"`
	Incremental bool       `yaml:"incremental"`
	Source      SourceSpec `yaml:"source"`

	Constraints []ConstraintSpec `yaml:"constraints" validate:"dive"`
	MinRows     int              `yaml:"min_rows" validate:"gte=0"`

	Export  ExportSpec   `yaml:"export"`
	Quality QualitySpec  `yaml:"quality"`
	Notify  NotifyRoutes `yaml:"notify"`

	// Backfill jobs rewrite history on behalf of a named operator.
	Backfill bool   `yaml:"backfill"`
	Actor    string `yaml:"actor" validate:"required_if=Backfill true"`

	// Schedule is a cron expression used by the schedule command.
	Schedule        string `yaml:"schedule"`
	DeadlineSeconds int    `yaml:"deadline_seconds" validate:"gte=0"`
}

// SourceSpec is the YAML form of a source descriptor.
type SourceSpec struct {
	Kind        string            `yaml:"kind" validate:"required,oneof=file db remote_dump"`
	Location    string            `yaml:"location" validate:"required"`
	Credentials map[string]string `yaml:"credentials"`
	Format      string            `yaml:"format" validate:"omitempty,oneof=csv excel xml text_export sql"`
	BatchSize   int               `yaml:"batch_size" validate:"gte=0"`
	Options     map[string]string `yaml:"options"`
	Encodings   []string          `yaml:"encodings" validate:"dive,oneof=utf-8 latin-1 cp1252 iso-8859-1"`
}

// ConstraintSpec declares one validator constraint.
type ConstraintSpec struct {
	ID        string   `yaml:"id" validate:"required"`
	Type      string   `yaml:"type" validate:"required,oneof=not_null range enum regex cross_field referential"`
	Field     string   `yaml:"field"`
	Fields    []string `yaml:"fields"`
	Min       *float64 `yaml:"min"`
	Max       *float64 `yaml:"max"`
	Values    []string `yaml:"values"`
	Pattern   string   `yaml:"pattern"`
	RefTable  string   `yaml:"ref_table"`
	RefFields []string `yaml:"ref_fields"`
	Epsilon   float64  `yaml:"epsilon"`
}

// ExportSpec lists the snapshots produced after a successful load.
type ExportSpec struct {
	Formats []string `yaml:"formats" validate:"dive,oneof=csv json sqlite geojson"`
	// Scope is full (default) or delta.
	Scope   string   `yaml:"scope" validate:"omitempty,oneof=full delta"`
	// Merge folds a delta into existing artifacts by natural key.
	Merge   bool     `yaml:"merge"`
}

// QualitySpec selects the rules evaluated after the load.
type QualitySpec struct {
	RuleIDs []string   `yaml:"rules"`
	Inline  []RuleSpec `yaml:"inline" validate:"dive"`
}

// NotifyRoutes overrides the channels of every notification the job raises.
type NotifyRoutes struct {
	Channels []string `yaml:"channels"`
}

// RuleSpec is the YAML form of a quality rule.
type RuleSpec struct {
	ID        string                 `yaml:"id" validate:"required"`
	CheckType string                 `yaml:"check_type" validate:"required,oneof=completeness range enum referential uniqueness freshness zscore drift format"`
	Table     string                 `yaml:"table" validate:"required"`
	Fields    []string               `yaml:"fields"`
	Params    map[string]interface{} `yaml:"params"`
	Threshold float64                `yaml:"threshold" validate:"gte=0,lte=1"`
	Severity  string                 `yaml:"severity" validate:"required,oneof=critical high medium low"`
	Channels  []string               `yaml:"channels"`
	Enabled   *bool                  `yaml:"enabled"`
}

// IsEnabled defaults to true when enabled is not set.
func (r RuleSpec) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RuleFile is the document shape of quality_rules_file.
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules" validate:"dive"`
}

// Deadline returns the job-level deadline, zero meaning none.
func (j *JobSpec) Deadline() time.Duration {
	return time.Duration(j.DeadlineSeconds) * time.Second
}

// Validate checks a job spec.
func (j *JobSpec) Validate() error {
	if err := validate.Struct(j); err != nil {
		return errors.Wrap(err, errors.KindConfig, "invalid job spec").WithDetail("job", j.Name)
	}
	return nil
}

// LoadJobSpec reads and validates a job spec file.
func LoadJobSpec(path string) (*JobSpec, error) {
	var spec JobSpec
	if err := LoadYAML(path, &spec); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadRuleFile reads and validates a quality rule set.
func LoadRuleFile(path string) (*RuleFile, error) {
	var rf RuleFile
	if err := LoadYAML(path, &rf); err != nil {
		return nil, err
	}
	if err := validate.Struct(&rf); err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "invalid rule file").WithDetail("path", path)
	}
	return &rf, nil
}

// Package planstore is the plan store (C6): parses, validates, and persists
// immutable ProtocolSpec/StepSpec documents and exposes DAG queries over
// them. A ProtocolSpec is never mutated after it is committed — re-planning
// writes a new spec version under a new spec_hash (spec §4.2).
package planstore

// QAPolicy is a StepSpec's QA mode (spec §3 StepSpec.policies.qa_policy).
type QAPolicy string

const (
	QAPolicySkip  QAPolicy = "skip"
	QAPolicyLight QAPolicy = "light"
	QAPolicyFull  QAPolicy = "full"
)

// StepPolicies are the per-step policy defaults carried in a StepSpec.
type StepPolicies struct {
	MaxLoops    int      `json:"max_loops"`
	QAPolicy    QAPolicy `json:"qa_policy"`
	RetryMax    int      `json:"retry_max"`
	TokenBudget int      `json:"token_budget,omitempty"`
	// InlineTrigger declares that on this step's success its dependents
	// should be evaluated and run immediately, within the same dispatch
	// call, rather than waiting for the scheduler's next pass (spec §4.4
	// "inline trigger depth").
	InlineTrigger bool `json:"inline_trigger,omitempty"`
}

// StepQA is a StepSpec's QA configuration (spec §3 StepSpec.qa).
type StepQA struct {
	EngineID      string   `json:"engine_id"`
	Model         string   `json:"model"`
	PromptRef     string   `json:"prompt_ref"`
	RequiredGates []string `json:"required_gates"`
}

// StepOutputs is a StepSpec's declared output targets (spec §3
// StepSpec.outputs: "{protocol: relative_path, aux: {key -> path}}").
type StepOutputs struct {
	Protocol string            `json:"protocol"`
	Aux      map[string]string `json:"aux,omitempty"`
}

// StepSpec is one immutable step definition within a ProtocolSpec.
type StepSpec struct {
	StepIndex     int          `json:"step_index"`
	Name          string       `json:"name"`
	Type          string       `json:"type"`
	EngineID      string       `json:"engine_id"`
	Model         string       `json:"model"`
	PromptRef     string       `json:"prompt_ref"`
	Inputs        []string     `json:"inputs"`
	Outputs       StepOutputs  `json:"outputs"`
	DependsOn     []int        `json:"depends_on"`
	ParallelGroup string       `json:"parallel_group,omitempty"`
	Policies      StepPolicies `json:"policies"`
	QA            StepQA       `json:"qa"`
}

// ProtocolSpec is the frozen plan document for one ProtocolRun (spec §3).
type ProtocolSpec struct {
	Version  int        `json:"version"`
	SpecHash string      `json:"spec_hash"`
	Steps    []StepSpec `json:"steps"`
}

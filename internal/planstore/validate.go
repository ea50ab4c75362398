package planstore

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/protoeng/orchestrator/internal/engineerr"
)

// Validate checks a ProtocolSpec document against spec §4.2's structural
// invariants: contiguous zero-based step_index, an acyclic dependency graph,
// and every step carrying prompt_ref/engine_id/model. It does not compute or
// check SpecHash — call CanonicalHash separately once validation passes.
func Validate(spec ProtocolSpec) error {
	if len(spec.Steps) == 0 {
		return engineerr.Validation("spec_empty", "protocol spec has no steps", nil)
	}

	seen := make(map[int]bool, len(spec.Steps))
	maxIndex := -1
	for _, s := range spec.Steps {
		if s.StepIndex < 0 {
			return engineerr.Validation("spec_negative_step_index", fmt.Sprintf("step_index %d is negative", s.StepIndex), nil)
		}
		if seen[s.StepIndex] {
			return engineerr.Validation("spec_duplicate_step_index", fmt.Sprintf("step_index %d appears more than once", s.StepIndex), nil)
		}
		seen[s.StepIndex] = true
		if s.StepIndex > maxIndex {
			maxIndex = s.StepIndex
		}
		if s.PromptRef == "" || s.EngineID == "" || s.Model == "" {
			return engineerr.Validation("spec_missing_required_field", fmt.Sprintf("step %d (%s) is missing prompt_ref/engine_id/model", s.StepIndex, s.Name), nil)
		}
	}
	for i := 0; i <= maxIndex; i++ {
		if !seen[i] {
			return engineerr.Validation("spec_noncontiguous_step_index", fmt.Sprintf("step_index %d is missing; step indices must be contiguous from 0", i), nil)
		}
	}

	if err := checkAcyclic(spec.Steps); err != nil {
		return err
	}

	return nil
}

// checkAcyclic runs Kahn's algorithm over depends_on edges; any step left
// unvisited when the queue drains is part of a cycle.
func checkAcyclic(steps []StepSpec) error {
	byIndex := make(map[int]StepSpec, len(steps))
	indegree := make(map[int]int, len(steps))
	dependents := make(map[int][]int, len(steps))

	for _, s := range steps {
		byIndex[s.StepIndex] = s
		if _, ok := indegree[s.StepIndex]; !ok {
			indegree[s.StepIndex] = 0
		}
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byIndex[dep]; !ok {
				return engineerr.Validation("spec_unknown_dependency", fmt.Sprintf("step %d depends on unknown step_index %d", s.StepIndex, dep), nil)
			}
			indegree[s.StepIndex]++
			dependents[dep] = append(dependents[dep], s.StepIndex)
		}
	}

	var queue []int
	for idx, deg := range indegree {
		if deg == 0 {
			queue = append(queue, idx)
		}
	}
	sort.Ints(queue)

	visited := 0
	for len(queue) > 0 {
		idx := queue[0]
		queue = queue[1:]
		visited++
		next := append([]int(nil), dependents[idx]...)
		sort.Ints(next)
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(steps) {
		return engineerr.Validation("spec_cyclic_dependencies", "dependency graph contains a cycle", nil)
	}
	return nil
}

// canonicalForm produces a deterministic JSON representation: steps sorted
// by step_index (already their natural key) with no further transformation
// needed since Go's encoding/json already emits struct fields in a fixed
// declared order and slices preserve order — the only source of
// nondeterminism would be map key order, which Go's encoding/json already
// sorts for map[string]T.
func canonicalForm(spec ProtocolSpec) ([]byte, error) {
	steps := append([]StepSpec(nil), spec.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })

	canonical := struct {
		Version int        `json:"version"`
		Steps   []StepSpec `json:"steps"`
	}{Version: spec.Version, Steps: steps}

	return json.Marshal(canonical)
}

// CanonicalHash computes spec_hash: sha256 over the canonical form (spec
// §3's "content hash over canonical form").
func CanonicalHash(spec ProtocolSpec) (string, error) {
	raw, err := canonicalForm(spec)
	if err != nil {
		return "", fmt.Errorf("planstore: canonicalize spec: %w", err)
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum), nil
}

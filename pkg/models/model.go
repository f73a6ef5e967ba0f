// Package models defines the shared domain types: tasks, projects, sessions,
// usage accounting, monitor records, and priority scores. Every component
// exchanges these types; none of them carry behavior beyond small helpers.
package models

import "fmt"

// Model identifies an agent model tier.
type Model string

const (
	ModelOpus   Model = "opus"
	ModelSonnet Model = "sonnet"
	ModelHaiku  Model = "haiku"
)

// DefaultModel is the model used when a task carries no allocation hint.
// The CLI adapter omits the --model flag for it.
const DefaultModel = ModelSonnet

// AllModels lists the known model tiers in cost order, most expensive first.
func AllModels() []Model {
	return []Model{ModelOpus, ModelSonnet, ModelHaiku}
}

// ParseModel validates a model alias.
func ParseModel(s string) (Model, error) {
	switch Model(s) {
	case ModelOpus, ModelSonnet, ModelHaiku:
		return Model(s), nil
	}
	return "", fmt.Errorf("unknown model %q (expected opus, sonnet, or haiku)", s)
}

// Valid reports whether m is a known model tier.
func (m Model) Valid() bool {
	_, err := ParseModel(string(m))
	return err == nil
}

func (m Model) String() string {
	return string(m)
}

package policy

import (
	"time"

	"github.com/openfroyo/instanced/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but never blocks an admission.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the admission.
	SeverityError Severity = "error"

	// SeverityCritical blocks the admission.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies admission.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one admission rule. Rego must declare a package with a deny set
// and may declare a max_instances number.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	// Builtin policies ship with the daemon and survive SetPolicies.
	Builtin  bool                   `json:"builtin,omitempty"`
	Tags     []string               `json:"tags,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one deny message produced by a policy.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Input is the document policies are evaluated against.
type Input struct {
	// Request is the admission request.
	Request engine.AdmissionRequest `json:"request"`

	// Context provides additional evaluation context.
	Context Context `json:"context"`
}

// Context is exposed to policies as input.context.
type Context struct {
	Timestamp time.Time `json:"timestamp"`
	// Operation is "create" or "link".
	Operation string `json:"operation"`
}

// Result is the full outcome of an admission evaluation.
type Result struct {
	// Allowed indicates no blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block.
	Warnings []Violation `json:"warnings,omitempty"`

	// MaxInstances is the smallest positive limit any policy returned, or zero.
	MaxInstances int `json:"max_instances"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

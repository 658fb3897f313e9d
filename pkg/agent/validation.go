package agent

// ValidationResult reports the outcome of inspecting an agent output's shape
// and content. It is mutated only through AddError and AddWarning; adding an
// error latches Valid to false and no later warning flips it back.
type ValidationResult struct {
	Valid      bool           `json:"valid"`
	Errors     []string       `json:"errors"`
	Warnings   []string       `json:"warnings"`
	Confidence float64        `json:"confidence"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewValidationResult returns a passing result with full confidence.
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		Valid:      true,
		Errors:     make([]string, 0),
		Warnings:   make([]string, 0),
		Confidence: 1.0,
		Metadata:   make(map[string]any),
	}
}

// AddError records a validation failure and marks the result invalid.
func (r *ValidationResult) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Valid = false
}

// AddWarning records a non-fatal observation. Warnings never change Valid.
func (r *ValidationResult) AddWarning(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

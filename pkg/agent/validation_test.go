package agent

import "testing"

func TestValidationResultStartsValid(t *testing.T) {
	result := NewValidationResult()
	if !result.Valid {
		t.Error("Expected new result to be valid")
	}
	if result.Confidence != 1.0 {
		t.Errorf("Expected confidence 1.0, got %f", result.Confidence)
	}
}

func TestAddErrorLatchesInvalid(t *testing.T) {
	result := NewValidationResult()

	result.AddError("missing html")
	if result.Valid {
		t.Error("Expected result to be invalid after AddError")
	}

	// Warnings never flip the result back to valid.
	result.AddWarning("could be prettier")
	result.AddWarning("inline styles")
	if result.Valid {
		t.Error("Warnings must not reset Valid to true")
	}

	if len(result.Errors) != 1 {
		t.Errorf("Expected 1 error, got %d", len(result.Errors))
	}
	if len(result.Warnings) != 2 {
		t.Errorf("Expected 2 warnings, got %d", len(result.Warnings))
	}
}

func TestAddWarningKeepsValid(t *testing.T) {
	result := NewValidationResult()
	result.AddWarning("minor issue")

	if !result.Valid {
		t.Error("Warnings alone must not invalidate the result")
	}
}

func TestContextRetryBudget(t *testing.T) {
	ctx := NewContext("s1", "w1", 3)

	for i := 0; i < 3; i++ {
		if !ctx.CanRetry() {
			t.Fatalf("Expected CanRetry true at count %d", ctx.RetryCount)
		}
		ctx.IncrementRetry()
	}

	if ctx.CanRetry() {
		t.Error("Expected CanRetry false after exhausting budget")
	}
	if ctx.RetryCount != ctx.MaxRetries {
		t.Errorf("Expected retry count %d, got %d", ctx.MaxRetries, ctx.RetryCount)
	}

	// Extra increments never exceed the budget.
	ctx.IncrementRetry()
	if ctx.RetryCount > ctx.MaxRetries {
		t.Errorf("Retry count %d exceeded max %d", ctx.RetryCount, ctx.MaxRetries)
	}
}

func TestOutputField(t *testing.T) {
	output := NewOutput(map[string]any{
		"site_id": "site_123",
		"score":   95.0,
	})

	siteID, ok := Field[string](output, "site_id")
	if !ok || siteID != "site_123" {
		t.Errorf("Expected site_123, got %q (ok=%t)", siteID, ok)
	}

	score, ok := Field[float64](output, "score")
	if !ok || score != 95.0 {
		t.Errorf("Expected 95.0, got %f (ok=%t)", score, ok)
	}

	if _, ok := Field[string](output, "missing"); ok {
		t.Error("Expected missing field lookup to fail")
	}
	if _, ok := Field[int](output, "site_id"); ok {
		t.Error("Expected type-mismatched lookup to fail")
	}
	if _, ok := Field[string](nil, "site_id"); ok {
		t.Error("Expected nil output lookup to fail")
	}
}

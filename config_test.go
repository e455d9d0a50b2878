package main

import (
	"os"
	"path/filepath"
	"testing"
)

// TestApplyFileConfig tests the YAML overlay.
func TestApplyFileConfig(t *testing.T) {
	oldCouncil := CouncilModels
	oldChairman := ChairmanModel
	oldRewrite := EnableQueryRewrite
	oldRegistry := modelRegistry
	defer func() {
		CouncilModels = oldCouncil
		ChairmanModel = oldChairman
		EnableQueryRewrite = oldRewrite
		modelRegistry = oldRegistry
	}()

	yaml := `
council_models:
  - custom/model-one
  - custom/model-two
chairman_model: custom/chairman
enable_query_rewrite: false
models:
  - id: custom/model-one
    name: Custom One
    pricing:
      input: 0.5
      output: 1.5
    type: both
    tier: budget
`
	dir := t.TempDir()
	path := filepath.Join(dir, "council.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if err := applyFileConfig(path); err != nil {
		t.Fatalf("applyFileConfig failed: %v", err)
	}

	if len(CouncilModels) != 2 || CouncilModels[0] != "custom/model-one" {
		t.Errorf("CouncilModels = %v", CouncilModels)
	}
	if ChairmanModel != "custom/chairman" {
		t.Errorf("ChairmanModel = %q", ChairmanModel)
	}
	if EnableQueryRewrite {
		t.Error("EnableQueryRewrite should be false")
	}

	// Registry replaced by the overlay's model list
	m, ok := modelRegistry.Lookup("custom/model-one")
	if !ok {
		t.Fatal("Overlay model missing from registry")
	}
	if m.Pricing.Input != 0.5 || m.Pricing.Output != 1.5 {
		t.Errorf("Pricing = %+v", m.Pricing)
	}
}

// TestApplyFileConfigPartial verifies unset fields keep their defaults.
func TestApplyFileConfigPartial(t *testing.T) {
	oldCouncil := CouncilModels
	oldChairman := ChairmanModel
	defer func() {
		CouncilModels = oldCouncil
		ChairmanModel = oldChairman
	}()

	dir := t.TempDir()
	path := filepath.Join(dir, "council.yaml")
	if err := os.WriteFile(path, []byte("chairman_model: only/chairman\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if err := applyFileConfig(path); err != nil {
		t.Fatalf("applyFileConfig failed: %v", err)
	}

	if ChairmanModel != "only/chairman" {
		t.Errorf("ChairmanModel = %q", ChairmanModel)
	}
	if len(CouncilModels) != len(oldCouncil) {
		t.Errorf("CouncilModels should be untouched: %v", CouncilModels)
	}
}

// TestApplyFileConfigMissingFile tests the error path.
func TestApplyFileConfigMissingFile(t *testing.T) {
	if err := applyFileConfig("/nonexistent/council.yaml"); err == nil {
		t.Error("Expected error for missing file")
	}
}

// TestDefaultSessionPolicy checks the default notify ladder.
func TestDefaultSessionPolicy(t *testing.T) {
	policy := DefaultSessionPolicy()

	if policy.BudgetUSD != nil {
		t.Error("Default budget should be unset")
	}
	want := []float64{0.70, 0.85, 1.00}
	if len(policy.NotifyThresholds) != len(want) {
		t.Fatalf("Thresholds = %v", policy.NotifyThresholds)
	}
	for i := range want {
		if policy.NotifyThresholds[i] != want[i] {
			t.Errorf("Threshold %d = %v, want %v", i, policy.NotifyThresholds[i], want[i])
		}
	}
	if !policy.AllowOverage {
		t.Error("Default policy allows overage")
	}
}

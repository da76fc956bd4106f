package manifest

import (
	"testing"
	"time"

	"github.com/deeplook/expedition/internal/runfs"
)

func TestNewManifest(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := New("run-1", Limits{MaxAgentsPerWave: 4}, now)

	if m.Stage.Current != StageInit {
		t.Errorf("new manifest stage = %s, want init", m.Stage.Current)
	}
	if m.Status != StatusRunning {
		t.Errorf("new manifest status = %s, want running", m.Status)
	}
	if m.Revision != 1 {
		t.Errorf("new manifest revision = %d, want 1", m.Revision)
	}
	if m.Limits.MaxAgentsPerWave != 4 {
		t.Errorf("limits not carried: %+v", m.Limits)
	}
}

func TestStageIsValid(t *testing.T) {
	for _, s := range Stages {
		if !s.IsValid() {
			t.Errorf("Stages contains %s but IsValid() rejects it", s)
		}
	}
	if Stage("warmup").IsValid() {
		t.Error("IsValid() accepted an unknown stage")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	root := runfs.NewRoot(t.TempDir())
	m := New("run-2", Limits{MaxSummaryBytes: 1024}, time.Now().UTC())
	if err := runfs.WriteJSONAtomic(root.ManifestPath(), m); err != nil {
		t.Fatal(err)
	}

	got, err := Load(root)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.RunID != "run-2" {
		t.Errorf("RunID = %q, want run-2", got.RunID)
	}
	if got.Limits.MaxSummaryBytes != 1024 {
		t.Errorf("MaxSummaryBytes = %d, want 1024", got.Limits.MaxSummaryBytes)
	}
}

func TestCloneIsDeep(t *testing.T) {
	m := New("run-3", Limits{}, time.Now())
	m.Constraints.Toggles = map[string]bool{"wave2": false}

	c := m.Clone()
	c.Constraints.Toggles["wave2"] = true
	c.Revision = 99

	if m.Constraints.Toggles["wave2"] {
		t.Error("Clone() shares the toggles map")
	}
	if m.Revision == 99 {
		t.Error("Clone() shares scalar state")
	}
}

func TestEnabledDefaultsOn(t *testing.T) {
	m := New("run-4", Limits{}, time.Now())
	if !m.Enabled("wave2") {
		t.Error("Enabled() should default to true for unset toggles")
	}
	m.Constraints.Toggles = map[string]bool{"wave2": false}
	if m.Enabled("wave2") {
		t.Error("Enabled() should honor an explicit false toggle")
	}
}

package driver

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/deeplook/expedition/internal/manifest"
	"github.com/deeplook/expedition/internal/perspective"
	"github.com/deeplook/expedition/internal/runerr"
	"github.com/deeplook/expedition/internal/runfs"
)

func testRoot(t *testing.T) *runfs.Root {
	t.Helper()
	return runfs.NewRoot(t.TempDir())
}

func waveItem(root *runfs.Root, id string) Item {
	p := perspective.Perspective{ID: id, Question: "What changed?", Wave: 1}
	return Item{
		Stage:       manifest.StageWave1,
		ID:          id,
		Prompt:      perspective.RenderPrompt(p),
		TargetPath:  root.WaveOutputPath(1, id),
		SidecarPath: root.WaveMetaPath(1, id),
		Contract:    &p.Contract,
	}
}

func TestForName(t *testing.T) {
	d, err := ForName(NameFixture, nil)
	if err != nil {
		t.Fatalf("ForName(fixture) error = %v", err)
	}
	if got := d.Name(); got != NameFixture {
		t.Errorf("Name() = %q, want %q", got, NameFixture)
	}

	if _, err := ForName(NameLive, nil); err == nil {
		t.Error("ForName(live) without producer did not error")
	}
	if _, err := ForName("teleport", nil); err == nil {
		t.Error("ForName(teleport) did not error")
	}
}

func TestFixtureDeterministic(t *testing.T) {
	root := testRoot(t)
	fx := &Fixture{}
	item := waveItem(root, "p1")

	first, err := fx.Produce(root, item)
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	second, err := fx.Produce(root, item)
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if !bytes.Equal(first.Content, second.Content) {
		t.Error("fixture content differs between identical productions")
	}
	if first.AgentRunID != second.AgentRunID {
		t.Errorf("agent run ids differ: %q vs %q", first.AgentRunID, second.AgentRunID)
	}
}

func TestFixturePlanUsesFixedTimestamps(t *testing.T) {
	root := testRoot(t)
	fx := &Fixture{}

	prod, err := fx.Produce(root, Item{
		Stage:      manifest.StagePerspectives,
		ID:         "plan",
		TargetPath: root.PerspectivesPath(),
	})
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if err := runfs.WriteFileAtomic(root.PerspectivesPath(), prod.Content); err != nil {
		t.Fatal(err)
	}
	plan, err := perspective.LoadPlan(root)
	if err != nil {
		t.Fatalf("LoadPlan() error = %v", err)
	}
	if got := len(plan.Perspectives); got != 3 {
		t.Fatalf("got %d perspectives, want 3", got)
	}
	if !plan.CreatedAt.Equal(fixtureEpoch) {
		t.Errorf("plan CreatedAt = %v, want %v", plan.CreatedAt, fixtureEpoch)
	}
}

func TestFixtureRefusesUnknownStage(t *testing.T) {
	root := testRoot(t)
	fx := &Fixture{}
	if _, err := fx.Produce(root, Item{Stage: manifest.StageInit, ID: "plan"}); err == nil {
		t.Error("Produce(init) did not error")
	}
}

func TestTaskSuspendsAndWritesPrompt(t *testing.T) {
	root := testRoot(t)
	task := &Task{}
	item := waveItem(root, "p1")

	_, err := task.Produce(root, item)
	if !runerr.HasCode(err, runerr.CodeRunAgentRequired) {
		t.Fatalf("Produce() error = %v, want code %s", err, runerr.CodeRunAgentRequired)
	}

	promptPath := root.PromptPath(string(item.Stage), item.ID)
	data, readErr := os.ReadFile(promptPath)
	if readErr != nil {
		t.Fatalf("prompt artifact not written: %v", readErr)
	}
	if string(data) != item.Prompt {
		t.Error("prompt artifact does not match item prompt")
	}

	e := runerr.AsError(err)
	cmd, ok := e.Details["next_command"].(string)
	if !ok || cmd == "" {
		t.Fatal("suspension has no next_command detail")
	}
	if want := "xp ingest"; !strings.Contains(cmd, want) {
		t.Errorf("next_command = %q, want it to mention %q", cmd, want)
	}
}

func TestTaskSuspensionIsIdempotent(t *testing.T) {
	root := testRoot(t)
	task := &Task{}
	item := waveItem(root, "p1")

	if _, err := task.Produce(root, item); !runerr.HasCode(err, runerr.CodeRunAgentRequired) {
		t.Fatalf("first Produce() error = %v", err)
	}
	promptPath := root.PromptPath(string(item.Stage), item.ID)
	before, err := runfs.DigestFile(promptPath)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := task.Produce(root, item); !runerr.HasCode(err, runerr.CodeRunAgentRequired) {
		t.Fatalf("second Produce() error = %v", err)
	}
	after, err := runfs.DigestFile(promptPath)
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Error("repeated suspension rewrote the prompt artifact")
	}
}

func TestIngestRequiresIssuedPrompt(t *testing.T) {
	root := testRoot(t)
	err := Ingest(root, Deposit{
		Stage:   string(manifest.StageWave1),
		ID:      "p1",
		Content: []byte("output"),
	})
	if !runerr.HasCode(err, runerr.CodeNotFound) {
		t.Errorf("Ingest() error = %v, want code %s", err, runerr.CodeNotFound)
	}
}

func TestIngestRefusesEmptyContent(t *testing.T) {
	root := testRoot(t)
	task := &Task{}
	item := waveItem(root, "p1")
	if _, err := task.Produce(root, item); !runerr.HasCode(err, runerr.CodeRunAgentRequired) {
		t.Fatalf("Produce() error = %v", err)
	}

	err := Ingest(root, Deposit{Stage: string(item.Stage), ID: item.ID})
	if !runerr.HasCode(err, runerr.CodeInvalidState) {
		t.Errorf("Ingest() error = %v, want code %s", err, runerr.CodeInvalidState)
	}
}

func TestTaskPicksUpDeposit(t *testing.T) {
	root := testRoot(t)
	task := &Task{}
	item := waveItem(root, "p1")

	if _, err := task.Produce(root, item); !runerr.HasCode(err, runerr.CodeRunAgentRequired) {
		t.Fatalf("Produce() error = %v", err)
	}

	content := []byte("# Perspective p1\n\n## Findings\n\nDeposited by an external agent.\n")
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	err := Ingest(root, Deposit{
		Stage:      string(item.Stage),
		ID:         item.ID,
		Content:    content,
		AgentRunID: "agent-42",
		StartedAt:  started,
		FinishedAt: started.Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	prod, err := task.Produce(root, item)
	if err != nil {
		t.Fatalf("Produce() after deposit error = %v", err)
	}
	if !bytes.Equal(prod.Content, content) {
		t.Error("produced content does not match deposit")
	}
	if prod.AgentRunID != "agent-42" {
		t.Errorf("AgentRunID = %q, want %q", prod.AgentRunID, "agent-42")
	}

	wantDigest, err := runfs.DigestFile(root.PromptPath(string(item.Stage), item.ID))
	if err != nil {
		t.Fatal(err)
	}
	if prod.PromptDigest != wantDigest {
		t.Errorf("PromptDigest = %q, want %q", prod.PromptDigest, wantDigest)
	}
}

func TestTaskRejectsStalePromptDigest(t *testing.T) {
	root := testRoot(t)
	task := &Task{}
	item := waveItem(root, "p1")

	if _, err := task.Produce(root, item); !runerr.HasCode(err, runerr.CodeRunAgentRequired) {
		t.Fatalf("Produce() error = %v", err)
	}
	err := Ingest(root, Deposit{
		Stage:   string(item.Stage),
		ID:      item.ID,
		Content: []byte("answer to the original prompt"),
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	// Reissue a different prompt after the deposit landed.
	promptPath := root.PromptPath(string(item.Stage), item.ID)
	if err := runfs.WriteFileAtomic(promptPath, []byte("a different prompt")); err != nil {
		t.Fatal(err)
	}

	if _, err := task.Produce(root, item); !runerr.HasCode(err, runerr.CodeInvalidState) {
		t.Errorf("Produce() error = %v, want code %s", err, runerr.CodeInvalidState)
	}
}

func TestIngestPopulatesSidecar(t *testing.T) {
	root := testRoot(t)
	task := &Task{}
	item := waveItem(root, "p2")

	if _, err := task.Produce(root, item); !runerr.HasCode(err, runerr.CodeRunAgentRequired) {
		t.Fatalf("Produce() error = %v", err)
	}
	err := Ingest(root, Deposit{
		Stage:                string(item.Stage),
		ID:                   item.ID,
		Content:              []byte("output"),
		RetryDirectiveDigest: "abc123",
	})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}

	var sc perspective.Sidecar
	if err := runfs.ReadJSON(root.OutputMetaPath(string(item.Stage), item.ID), &sc); err != nil {
		t.Fatalf("reading sidecar: %v", err)
	}
	if sc.AgentRunID == "" {
		t.Error("sidecar has no agent run id")
	}
	if sc.StartedAt.IsZero() || sc.FinishedAt.IsZero() {
		t.Error("sidecar timestamps not defaulted")
	}
	if sc.RetryDirectivesDigest == nil || *sc.RetryDirectivesDigest != "abc123" {
		t.Errorf("RetryDirectivesDigest = %v, want abc123", sc.RetryDirectivesDigest)
	}
}

func TestLiveInvokesProducer(t *testing.T) {
	root := testRoot(t)
	var gotPrompt string
	live := &Live{Producer: func(prompt string, _ Item) ([]byte, error) {
		gotPrompt = prompt
		return []byte("live output"), nil
	}}

	item := waveItem(root, "p1")
	prod, err := live.Produce(root, item)
	if err != nil {
		t.Fatalf("Produce() error = %v", err)
	}
	if gotPrompt != item.Prompt {
		t.Error("producer did not receive the item prompt")
	}
	if string(prod.Content) != "live output" {
		t.Errorf("Content = %q, want %q", prod.Content, "live output")
	}
	if prod.AgentRunID == "" {
		t.Error("live production has no agent run id")
	}
}

func TestLiveProducerErrorPropagates(t *testing.T) {
	root := testRoot(t)
	boom := errors.New("model unavailable")
	live := &Live{Producer: func(string, Item) ([]byte, error) {
		return nil, boom
	}}

	_, err := live.Produce(root, waveItem(root, "p1"))
	if !errors.Is(err, boom) {
		t.Errorf("Produce() error = %v, want wrapped %v", err, boom)
	}
}

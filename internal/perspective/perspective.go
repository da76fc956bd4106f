// Package perspective defines the planned units of research work.
//
// A perspective is one angle on the research question, planned up front in
// perspectives.json with a contract (budgets and required output sections).
// Produced outputs live under wave-N/ as a raw markdown artifact plus a
// metadata sidecar whose prompt digest ties the output back to the exact
// prompt that was issued.
package perspective

import (
	"fmt"
	"strings"
	"time"

	"github.com/deeplook/expedition/internal/runfs"
)

// Contract bounds what a produced output must look like.
type Contract struct {
	MaxWords         int      `json:"max_words"`
	MinSources       int      `json:"min_sources"`
	MaxToolCalls     int      `json:"max_tool_calls"`
	RequiredSections []string `json:"required_sections"`
}

// Perspective is one planned unit of work.
type Perspective struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Wave     int      `json:"wave"`
	Contract Contract `json:"contract"`
}

// Plan is the perspectives.json document.
type Plan struct {
	RunID        string        `json:"run_id"`
	Perspectives []Perspective `json:"perspectives"`
	CreatedAt    time.Time     `json:"created_at"`
}

// LoadPlan reads the perspective plan from a run root.
func LoadPlan(root *runfs.Root) (*Plan, error) {
	var p Plan
	if err := runfs.ReadJSON(root.PerspectivesPath(), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ForWave returns the perspectives planned for a wave.
func (p *Plan) ForWave(wave int) []Perspective {
	var out []Perspective
	for _, persp := range p.Perspectives {
		if persp.Wave == wave {
			out = append(out, persp)
		}
	}
	return out
}

// ByID finds a perspective by id.
func (p *Plan) ByID(id string) (Perspective, bool) {
	for _, persp := range p.Perspectives {
		if persp.ID == id {
			return persp, true
		}
	}
	return Perspective{}, false
}

// Sidecar is the metadata written next to every produced output.
// PromptDigest must equal the canonical digest of the prompt artifact on
// disk; audit replay uses the pair to detect tamper or drift.
type Sidecar struct {
	AgentRunID            string    `json:"agent_run_id"`
	PromptDigest          string    `json:"prompt_digest"`
	RetryDirectivesDigest *string   `json:"retry_directives_digest"`
	StartedAt             time.Time `json:"started_at"`
	FinishedAt            time.Time `json:"finished_at"`
}

// VerifySidecar checks the sidecar's prompt digest against the prompt
// artifact actually on disk.
func VerifySidecar(sc *Sidecar, promptPath string) error {
	got, err := runfs.DigestFile(promptPath)
	if err != nil {
		return fmt.Errorf("digesting prompt: %w", err)
	}
	if got != sc.PromptDigest {
		return fmt.Errorf("prompt digest mismatch: sidecar has %s, prompt on disk is %s", sc.PromptDigest, got)
	}
	return nil
}

// RenderPrompt produces the prompt artifact text for a perspective.
// The rendered text is the digest anchor: the sidecar for the eventual
// output must carry the digest of exactly these bytes.
func RenderPrompt(p Perspective) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research perspective: %s\n\n", p.ID)
	fmt.Fprintf(&b, "%s\n\n", p.Question)
	b.WriteString("## Contract\n\n")
	fmt.Fprintf(&b, "- Maximum words: %d\n", p.Contract.MaxWords)
	fmt.Fprintf(&b, "- Minimum distinct sources: %d\n", p.Contract.MinSources)
	fmt.Fprintf(&b, "- Maximum tool calls: %d\n", p.Contract.MaxToolCalls)
	b.WriteString("\n## Required sections\n\n")
	for _, s := range p.Contract.RequiredSections {
		fmt.Fprintf(&b, "- %s\n", s)
	}
	return b.String()
}

// ValidateOutput checks a raw output against the perspective's contract.
// Returns the list of violated requirements; an empty list means the output
// conforms and may be ingested.
func ValidateOutput(p Perspective, content []byte) []string {
	var problems []string
	text := string(content)

	if strings.TrimSpace(text) == "" {
		return []string{"output is empty"}
	}

	for _, section := range p.Contract.RequiredSections {
		if !hasSection(text, section) {
			problems = append(problems, fmt.Sprintf("missing required section %q", section))
		}
	}

	if p.Contract.MaxWords > 0 {
		words := len(strings.Fields(text))
		if words > p.Contract.MaxWords {
			problems = append(problems, fmt.Sprintf("output has %d words, contract allows %d", words, p.Contract.MaxWords))
		}
	}

	return problems
}

// hasSection reports whether a markdown heading for the section exists.
func hasSection(text, section string) bool {
	want := strings.ToLower(strings.TrimSpace(section))
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		heading := strings.ToLower(strings.TrimSpace(strings.TrimLeft(trimmed, "#")))
		if heading == want {
			return true
		}
	}
	return false
}

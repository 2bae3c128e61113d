// Package prompt composes the system and task prompts a pod sends to
// its model: role base prompt, pooled context, objective, quality rules,
// artifact context slice, inbox digest, and recent error warnings.
package prompt

import (
	"fmt"
	"strings"

	"github.com/forgeline/foreman/pkg/models"
)

var rolePrompts = map[models.PodRole]string{
	models.RoleOrchestrator: "You are the orchestrator pod. You coordinate sibling pods, break down ambiguous work, and keep the overall objective on track.",
	models.RoleFrontend:     "You are a frontend engineering pod. You produce working HTML, CSS, and JavaScript/TypeScript and favor small, complete files over sketches.",
	models.RoleBackend:      "You are a backend engineering pod. You produce server code, APIs, and data models, with attention to error handling and edge cases.",
	models.RoleDesigner:     "You are a design pod. You produce layout specifications, style tokens, and visual direction as concrete, implementable artifacts.",
	models.RoleWriter:       "You are a writing pod. You produce clear prose: documentation, copy, and summaries, matched to the requested tone.",
	models.RoleResearcher:   "You are a research pod. You gather and condense information, always citing which tool result a claim came from.",
	models.RoleQA:           "You are a QA pod. You review every artifact produced so far, report defects concretely, and verify work against the objective.",
}

var qualityRules = map[models.QualityTarget]string{
	models.QualityDraft:      "Quality target: draft. Favor speed; rough edges are acceptable.",
	models.QualityStandard:   "Quality target: standard. Deliver complete, working output with reasonable polish.",
	models.QualityPremium:    "Quality target: premium. Deliver polished, reviewed output; revisit anything that feels unfinished.",
	models.QualityAppleLevel: "Quality target: apple_level. Every detail matters; iterate until the output is exceptional.",
}

// System composes a pod's system prompt: base role prompt, pooled
// context from previous work orders, the work-order objective, and the
// quality-tier rules.
func System(role models.PodRole, poolContext, objective string, quality models.QualityTarget) string {
	var b strings.Builder
	b.WriteString(rolePrompts[role])
	if poolContext != "" {
		b.WriteString("\n\nContext from previous work orders:\n")
		b.WriteString(poolContext)
	}
	b.WriteString("\n\nCurrent objective: ")
	b.WriteString(objective)
	if rules, ok := qualityRules[quality]; ok {
		b.WriteString("\n")
		b.WriteString(rules)
	}
	return b.String()
}

// TaskInput bundles everything a task prompt is built from.
type TaskInput struct {
	Task             *models.Task
	Objective        string
	Quality          models.QualityTarget
	RemainingMinutes float64
	Artifacts        []*models.Artifact // already filtered by visibility, newest first
	Inbox            []models.BusMessage
	RecentErrors     []string

	ArtifactBudget  int // total character budget for the artifact slice
	ArtifactPerItem int // per-artifact character cap
	InboxLimit      int // most recent inbox messages injected
}

// Task renders the full task prompt.
func Task(in TaskInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s\n", in.Task.Name)
	if in.Task.Description != "" {
		fmt.Fprintf(&b, "%s\n", in.Task.Description)
	}
	fmt.Fprintf(&b, "\nWork order objective: %s\n", in.Objective)
	if rules, ok := qualityRules[in.Quality]; ok {
		b.WriteString(rules)
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Time remaining: %.0f minutes.", in.RemainingMinutes)
	if in.RemainingMinutes < 10 {
		b.WriteString(" The budget is nearly exhausted: finish the essentials first.")
	}
	b.WriteString("\n")

	if slice := ArtifactSlice(in.Artifacts, in.ArtifactBudget, in.ArtifactPerItem); slice != "" {
		b.WriteString("\nExisting artifacts:\n")
		b.WriteString(slice)
	}
	if digest := InboxDigest(in.Inbox, in.InboxLimit); digest != "" {
		b.WriteString("\nMessages from other pods:\n")
		b.WriteString(digest)
	}
	if len(in.RecentErrors) > 0 {
		b.WriteString("\nRecent errors in this work order (avoid repeating them):\n")
		for _, e := range in.RecentErrors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}
	return b.String()
}

// ArtifactSlice renders artifacts newest-first under a total character
// budget, capping each artifact's contribution. When the budget cuts the
// list short, a trailing marker names how many were omitted.
func ArtifactSlice(artifacts []*models.Artifact, totalBudget, perItem int) string {
	if len(artifacts) == 0 {
		return ""
	}

	var b strings.Builder
	included := 0
	for _, a := range artifacts {
		entry := renderArtifact(a, perItem)
		if b.Len()+len(entry) > totalBudget {
			break
		}
		b.WriteString(entry)
		included++
	}
	if omitted := len(artifacts) - included; omitted > 0 {
		fmt.Fprintf(&b, "(… %d more artifacts omitted)\n", omitted)
	}
	return b.String()
}

func renderArtifact(a *models.Artifact, perItem int) string {
	content := a.Content
	truncated := false
	if len(content) > perItem {
		content = content[:perItem]
		truncated = true
	}

	var b strings.Builder
	name := a.Name
	if a.Path != "" {
		name = a.Path
	}
	fmt.Fprintf(&b, "--- %s (%s, v%d) ---\n%s\n", name, a.Type, a.Version, content)
	if truncated {
		b.WriteString("(truncated)\n")
	}
	return b.String()
}

// InboxDigest renders up to limit most recent messages as bulleted items
// grouped by type label.
func InboxDigest(msgs []models.BusMessage, limit int) string {
	if len(msgs) == 0 {
		return ""
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "- [%s from %s] %s\n", m.Type, m.From, payloadSummary(m.Payload))
	}
	return b.String()
}

func payloadSummary(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	for _, key := range []string{"content", "message", "summary", "path", "question"} {
		if v, ok := payload[key].(string); ok && v != "" {
			return v
		}
	}
	return fmt.Sprintf("%v", payload)
}

// VisibleArtifacts filters the engine's artifact table down to what one
// pod may see: same-phase pods' output, the previous phase's output, and
// anything an orchestrator produced. QA pods see everything. The result
// keeps the input order (callers pass newest first).
func VisibleArtifacts(all []*models.Artifact, viewer *models.Pod, samePhasePods, prevPhasePods map[string]struct{}, orchestratorIDs map[string]struct{}) []*models.Artifact {
	if viewer.Role == models.RoleQA {
		return all
	}
	var out []*models.Artifact
	for _, a := range all {
		if _, ok := samePhasePods[a.CreatedBy]; ok {
			out = append(out, a)
			continue
		}
		if _, ok := prevPhasePods[a.CreatedBy]; ok {
			out = append(out, a)
			continue
		}
		if _, ok := orchestratorIDs[a.CreatedBy]; ok {
			out = append(out, a)
		}
	}
	return out
}

package export

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

const evaluationPreviewLen = 1000

// Render encodes d in its metadata format.
func Render(d *Data) ([]byte, error) {
	if d.Metadata.Format == FormatJSON {
		out, err := json.MarshalIndent(d, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("export: encode json: %w", err)
		}
		return append(out, '\n'), nil
	}
	return []byte(Markdown(d)), nil
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// Markdown renders the human-readable report.
func Markdown(d *Data) string {
	var b strings.Builder

	b.WriteString("# Crewpilot Export Report\n\n")
	fmt.Fprintf(&b, "*Generated: %s*\n\n", d.Metadata.ExportTime)
	b.WriteString("---\n\n")

	s := d.ProjectSummary
	b.WriteString("## Project Summary\n\n")
	b.WriteString("| Field | Value |\n|-------|-------|\n")
	fmt.Fprintf(&b, "| **Project Name** | %s |\n", s.ProjectName)
	fmt.Fprintf(&b, "| **Description** | %s |\n", orNA(s.Description))
	fmt.Fprintf(&b, "| **Tech Stack** | %s |\n", orNA(s.TechStack))
	fmt.Fprintf(&b, "| **Workflow** | %s |\n", s.Workflow)
	if s.SessionStart != "" {
		fmt.Fprintf(&b, "| **Session Start** | %s |\n", s.SessionStart)
	}
	if s.SessionEnd != "" {
		fmt.Fprintf(&b, "| **Session End** | %s |\n", s.SessionEnd)
	}
	if s.Duration != "" {
		fmt.Fprintf(&b, "| **Duration** | %s |\n", s.Duration)
	}
	b.WriteString("\n---\n\n")

	writeProgress(&b, d.ProgressReport)
	writeActivity(&b, d.Activity)
	writeDecisions(&b, d.Decisions)

	if ur := d.UserResearch; ur != nil {
		b.WriteString("## User Research\n\n")
		if ur.ProfileSummary != "" {
			b.WriteString("### Target User Profile\n\n")
			b.WriteString(ur.ProfileSummary + "\n\n")
		}
		if len(ur.Findings) > 0 {
			b.WriteString("### Key Findings\n\n")
			for _, f := range ur.Findings {
				b.WriteString("- " + f + "\n")
			}
			b.WriteString("\n")
		}
		b.WriteString("---\n\n")
	}

	if len(d.Evaluations) > 0 {
		b.WriteString("## Evaluations\n\n")
		for _, e := range d.Evaluations {
			b.WriteString("### " + e.Filename + "\n\n")
			b.WriteString(truncateEvaluation(e.Content) + "\n\n")
		}
		b.WriteString("---\n\n")
	}

	if d.CommunicationLogs != "" {
		b.WriteString("## Communication Logs\n\n")
		b.WriteString("```\n" + d.CommunicationLogs + "\n```\n\n")
		b.WriteString("---\n\n")
	}

	fmt.Fprintf(&b, "*Exported by crewpilot %s*\n", d.Metadata.Version)
	return b.String()
}

func writeProgress(b *strings.Builder, p Progress) {
	b.WriteString("## Progress Report\n\n")
	if p.CurrentPhase != "" {
		b.WriteString("### Current Phase\n\n")
		b.WriteString(p.CurrentPhase + "\n\n")
	}
	if len(p.MilestonesCompleted) > 0 {
		b.WriteString("### Milestones Completed\n\n")
		for _, m := range p.MilestonesCompleted {
			b.WriteString("- ✅ " + m + "\n")
		}
		b.WriteString("\n")
	}
	if len(p.FilesCreated) > 0 || len(p.FilesModified) > 0 {
		b.WriteString("### Files Changed\n\n")
		if len(p.FilesCreated) > 0 {
			b.WriteString("**Created:**\n")
			for _, f := range p.FilesCreated {
				b.WriteString("- `" + f + "`\n")
			}
			b.WriteString("\n")
		}
		if len(p.FilesModified) > 0 {
			b.WriteString("**Modified:**\n")
			for _, f := range p.FilesModified {
				b.WriteString("- `" + f + "`\n")
			}
			b.WriteString("\n")
		}
	}
	if p.StateSummary != "" {
		b.WriteString("### Full State\n\n")
		b.WriteString("```markdown\n" + p.StateSummary + "\n```\n\n")
	}
	b.WriteString("---\n\n")
}

func writeActivity(b *strings.Builder, a Activity) {
	b.WriteString("## Session Activity\n\n")
	fmt.Fprintf(b, "**Resume recommendation:** %s\n", a.Resume.Recommendation)
	if a.Resume.SnapshotTime != nil {
		fmt.Fprintf(b, "**Last snapshot:** %s\n", a.Resume.SnapshotTime.UTC().Format("2006-01-02 15:04:05 UTC"))
	}
	b.WriteString("\n")
	for _, w := range a.Resume.Warnings {
		b.WriteString("- ⚠ " + w + "\n")
	}
	if len(a.Resume.Warnings) > 0 {
		b.WriteString("\n")
	}

	if len(a.RecentTransitions) > 0 {
		b.WriteString("### Recent Transitions\n\n")
		b.WriteString("| Time | Pane | From | To |\n|------|------|------|----|\n")
		for _, t := range a.RecentTransitions {
			fmt.Fprintf(b, "| %s | %s | %s | %s |\n", t.At, t.PaneID, t.From, t.To)
		}
		b.WriteString("\n")
	}
	if len(a.ActiveAlerts) > 0 {
		b.WriteString("### Active Alerts\n\n")
		for _, al := range a.ActiveAlerts {
			fmt.Fprintf(b, "- **%s** %s since %s: %s\n", al.Kind, al.PaneID, al.At, al.Reason)
		}
		b.WriteString("\n")
	}
	b.WriteString("---\n\n")
}

func writeDecisions(b *strings.Builder, decisions []Decision) {
	b.WriteString("## Decisions Made\n\n")
	if len(decisions) == 0 {
		b.WriteString("No decisions recorded yet.\n\n---\n\n")
		return
	}
	for i, d := range decisions {
		fmt.Fprintf(b, "### Decision %d\n\n", i+1)
		fmt.Fprintf(b, "**Time:** %s | **Workflow:** %s | **%s**\n\n", d.Timestamp, d.Workflow, d.Phase)
		fmt.Fprintf(b, "**Question:** %s\n\n", d.Question)
		fmt.Fprintf(b, "**Answer:** %s\n\n", d.Answer)
		if d.Basis != "" {
			fmt.Fprintf(b, "**Basis:** %s\n\n", d.Basis)
		}
	}
	b.WriteString("---\n\n")
}

func truncateEvaluation(content string) string {
	n := utf8.RuneCountInString(content)
	if n <= evaluationPreviewLen {
		return content
	}
	return truncateRunes(content, evaluationPreviewLen, "") +
		fmt.Sprintf("\n\n... (%d more characters)", n-evaluationPreviewLen)
}

package export

import (
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/crewpilot/crewpilot/internal/project"
)

const (
	profileSummaryLen = 500
	researchNoteLen   = 300
	defaultWorkflow   = "gsd"
)

var (
	descriptionRe = regexp.MustCompile(`(?m)^## Description\n(.+)$`)
	techStackRe   = regexp.MustCompile(`(?m)^## Tech Stack / Constraints\n(.+)$`)
	workflowRe    = regexp.MustCompile(`(?m)^## Preferred Workflow\n(.+)$`)

	decisionHeaderRe = regexp.MustCompile(`(?i)^##\s*([^|]+?)\s*\|\s*([^|]+?)\s*\|\s*Phase\s*(\d+)`)
	questionRe       = regexp.MustCompile(`(?i)^Q:\s*"(.+)"`)
	answerRe         = regexp.MustCompile(`(?i)^A:\s*\(User Proxy\)\s*"(.+)"`)
	basisRe          = regexp.MustCompile(`(?i)^Basis:\s*(.+)`)

	milestoneRe = regexp.MustCompile(`(?i)milestone|completed|done`)
	filesRe     = regexp.MustCompile(`(?i)files?\s+(created|modified)|changed`)
	bulletRe    = regexp.MustCompile(`^[-*]\s+`)
	numberedRe  = regexp.MustCompile(`^\d+\.\s+`)

	researchSectionRe = regexp.MustCompile(`(?i)^##\s*(Core Needs|Pain Points|Research Findings)`)
	archiveRe         = regexp.MustCompile(`(?i)archive.*\.(md|json)$`)
	dateRe            = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)
)

func firstGroup(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func parseUserContext(content string) Summary {
	name, _ := project.ParseProjectName(content)
	s := Summary{
		ProjectName: name,
		Description: firstGroup(descriptionRe, content),
		TechStack:   firstGroup(techStackRe, content),
		Workflow:    firstGroup(workflowRe, content),
	}
	if s.Workflow == "" {
		s.Workflow = defaultWorkflow
	}
	return s
}

// parseCommunicationLog reads entries of the form
//
//	## <timestamp> | <workflow> | Phase N
//	Q: "..."
//	A: (User Proxy) "..."
//	Basis: ...
func parseCommunicationLog(content string) []Decision {
	decisions := []Decision{}
	var cur *Decision
	for _, line := range strings.Split(content, "\n") {
		if m := decisionHeaderRe.FindStringSubmatch(line); m != nil {
			if cur != nil {
				decisions = append(decisions, *cur)
			}
			cur = &Decision{
				Timestamp: strings.TrimSpace(m[1]),
				Workflow:  strings.TrimSpace(m[2]),
				Phase:     "Phase " + m[3],
			}
			continue
		}
		if cur == nil {
			continue
		}
		if v := firstGroup(questionRe, line); v != "" {
			cur.Question = v
		} else if v := firstGroup(answerRe, line); v != "" {
			cur.Answer = v
		} else if v := firstGroup(basisRe, line); v != "" {
			cur.Basis = v
		}
	}
	if cur != nil {
		decisions = append(decisions, *cur)
	}
	return decisions
}

// parseState pulls the phase line, completed milestones and changed files
// out of the workflow's STATE.md. Bullets follow the most recent milestone
// or files heading; a file bullet that names created or modified itself
// overrides the heading.
func parseState(content string) Progress {
	p := Progress{
		MilestonesCompleted: []string{},
		FilesCreated:        []string{},
		FilesModified:       []string{},
		StateSummary:        content,
	}
	if content == "" {
		return p
	}

	const (
		sectionNone = iota
		sectionMilestones
		sectionFiles
	)
	section := sectionNone
	fileKind := ""
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lower := strings.ToLower(line)
		if p.CurrentPhase == "" && strings.Contains(lower, "phase") {
			p.CurrentPhase = line
		}
		if milestoneRe.MatchString(line) {
			section = sectionMilestones
		}
		if m := filesRe.FindStringSubmatch(line); m != nil {
			section = sectionFiles
			fileKind = strings.ToLower(m[1])
		}
		if !bulletRe.MatchString(line) {
			continue
		}
		entry := strings.TrimSpace(bulletRe.ReplaceAllString(line, ""))
		switch section {
		case sectionMilestones:
			p.MilestonesCompleted = append(p.MilestonesCompleted, entry)
		case sectionFiles:
			kind := fileKind
			if strings.Contains(lower, "created") {
				kind = "created"
			} else if strings.Contains(lower, "modified") {
				kind = "modified"
			}
			if kind == "created" {
				p.FilesCreated = append(p.FilesCreated, entry)
			} else {
				p.FilesModified = append(p.FilesModified, entry)
			}
		}
	}
	return p
}

func undetermined(s string) bool {
	return strings.Contains(s, "To be determined")
}

func parseTargetUserProfile(content string) UserResearch {
	ur := UserResearch{
		ProfileSummary: truncateRunes(content, profileSummaryLen, "..."),
		Findings:       []string{},
	}
	in := false
	for _, line := range strings.Split(content, "\n") {
		if researchSectionRe.MatchString(line) {
			in = true
			continue
		}
		if strings.HasPrefix(line, "##") {
			in = false
		}
		if !in {
			continue
		}
		var finding string
		switch {
		case numberedRe.MatchString(line):
			finding = strings.TrimSpace(numberedRe.ReplaceAllString(line, ""))
		case bulletRe.MatchString(line):
			finding = strings.TrimSpace(bulletRe.ReplaceAllString(line, ""))
		}
		if finding != "" && !undetermined(finding) {
			ur.Findings = append(ur.Findings, finding)
		}
	}
	return ur
}

// sessionSpan derives the session dates from archive files named with a
// YYYY-MM-DD date.
func sessionSpan(dir string) (start, end, duration string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", ""
	}
	var dates []time.Time
	for _, e := range entries {
		if e.IsDir() || !archiveRe.MatchString(e.Name()) {
			continue
		}
		m := dateRe.FindString(e.Name())
		if m == "" {
			continue
		}
		if t, err := time.Parse("2006-01-02", m); err == nil {
			dates = append(dates, t)
		}
	}
	if len(dates) == 0 {
		return "", "", ""
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	first, last := dates[0], dates[len(dates)-1]
	days := int(math.Ceil(last.Sub(first).Hours() / 24))
	duration = plural(days, "day")
	return project.FormatTimestamp(first), project.FormatTimestamp(last), duration
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return strconv.Itoa(n) + " " + word + "s"
}

func loadEvaluations(dir string) []Evaluation {
	evals := []Evaluation{}
	for _, path := range markdownFiles(dir) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		evals = append(evals, Evaluation{Filename: filepath.Base(path), Content: string(data)})
	}
	return evals
}

func loadResearchNotes(dir string) []string {
	var notes []string
	for _, path := range markdownFiles(dir) {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		summary := strings.TrimSpace(truncateRunes(string(data), researchNoteLen, ""))
		if summary != "" {
			notes = append(notes, filepath.Base(path)+": "+summary+"...")
		}
	}
	return notes
}

// markdownFiles lists *.md directly under dir in name order.
func markdownFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files
}

func truncateRunes(s string, n int, suffix string) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + suffix
}

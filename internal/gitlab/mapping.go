package gitlab

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/issuebridge/issuebridge/internal/types"
)

// DefaultProgressPrefix scopes progress labels ("progress::Doing").
const DefaultProgressPrefix = "progress"

// Progress label values.
const (
	ProgressToDo    = "To do"
	ProgressDoing   = "Doing"
	ProgressPaused  = "Paused"
	ProgressDelayed = "Delayed"
	ProgressDone    = "Done"
)

// MappingConfig configures how records map to GitLab issues.
type MappingConfig struct {
	ProgressPrefix   string                  // label scope of progress labels
	ProgressByStatus map[types.Status]string // record status → progress value on create
	SeverityScope    string                  // label scope replaced on update
	AdditionalLabels []string                // fixed labels added to every issue
}

// DefaultMappingConfig returns the default mapping configuration.
func DefaultMappingConfig() *MappingConfig {
	return &MappingConfig{
		ProgressPrefix: DefaultProgressPrefix,
		ProgressByStatus: map[types.Status]string{
			types.StatusOpen:       ProgressToDo,
			types.StatusInProgress: ProgressDoing,
			types.StatusPaused:     ProgressPaused,
			types.StatusDelayed:    ProgressDelayed,
			types.StatusClosed:     ProgressDone,
			types.StatusResolved:   ProgressDone,
		},
		SeverityScope: "severity",
	}
}

// ProgressLabel returns the scoped progress label for a value.
func (m *MappingConfig) ProgressLabel(value string) string {
	return m.ProgressPrefix + "::" + value
}

// IsProgressLabel reports whether label is in the progress scope.
func (m *MappingConfig) IsProgressLabel(label string) bool {
	prefix, _ := ParseLabelPrefix(label)
	return prefix == m.ProgressPrefix
}

// InitialProgress returns the progress label a new issue starts with.
func (m *MappingConfig) InitialProgress(status types.Status) string {
	if v, ok := m.ProgressByStatus[status]; ok {
		return m.ProgressLabel(v)
	}
	return m.ProgressLabel(ProgressToDo)
}

// ProgressOf reads the progress label of an issue. Without one it is
// inferred from the issue state.
func (m *MappingConfig) ProgressOf(issue *Issue) string {
	for _, l := range issue.Labels {
		if m.IsProgressLabel(l) {
			return l
		}
	}
	if issue.IsClosed() {
		return m.ProgressLabel(ProgressDone)
	}
	return m.ProgressLabel(ProgressToDo)
}

// WithoutProgress returns labels minus every progress label.
func (m *MappingConfig) WithoutProgress(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if !m.IsProgressLabel(l) {
			out = append(out, l)
		}
	}
	return out
}

// Marker is the hidden natural-key tag embedded in issue descriptions.
func Marker(key types.NaturalKey) string {
	return fmt.Sprintf("<!-- issuebridge:key=%s/%s -->", key.SerialNumber, key.ProjectName)
}

// IssueTitle builds "<project>: <description>", truncated to MaxTitleLength runes.
func IssueTitle(rec *types.Record) string {
	var title string
	switch {
	case rec.ProjectName != "" && rec.Description != "":
		title = rec.ProjectName + ": " + rec.Description
	case rec.ProjectName != "":
		title = rec.ProjectName
	default:
		title = "Issue " + rec.SerialNumber
	}
	title = strings.Join(strings.Fields(title), " ")
	r := []rune(title)
	if len(r) > MaxTitleLength {
		title = string(r[:MaxTitleLength])
	}
	return title
}

// IssueDescription renders a record as the issue body.
func IssueDescription(rec *types.Record) string {
	var b strings.Builder
	b.WriteString(Marker(rec.Key()))
	b.WriteString("\n\n| Field | Value |\n|---|---|\n")
	row := func(name, value string) {
		fmt.Fprintf(&b, "| %s | %s |\n", name, cell(value))
	}
	row("Serial number", rec.SerialNumber)
	row("Project", rec.ProjectName)
	row("Category", rec.Category)
	if rec.Severity != 0 {
		row("Severity", fmt.Sprint(rec.Severity))
	}
	row("Owner", rec.Owner)
	row("Initiator", rec.Initiator)
	row("Status", string(rec.Status))
	if rec.TargetCompletion != nil {
		row("Target completion", rec.TargetCompletion.UTC().Format("2006-01-02"))
	}

	section := func(title, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		fmt.Fprintf(&b, "\n## %s\n%s\n", title, strings.TrimSpace(body))
	}
	section("Description", rec.Description)
	section("Resolution", rec.Resolution)
	section("Action record", rec.ActionRecord)
	section("Remarks", rec.Remarks)
	return b.String()
}

// ClosingSection is appended to the description when an issue is closed.
func ClosingSection(rec *types.Record, now time.Time) string {
	completed := now
	if rec.ActualCompletion != nil {
		completed = *rec.ActualCompletion
	}
	var b strings.Builder
	b.WriteString("\n\n---\n\n## Closed\n")
	fmt.Fprintf(&b, "- **Closed at**: %s\n", completed.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "- **Status**: %s\n", rec.Status)
	if rec.Resolution != "" {
		fmt.Fprintf(&b, "- **Resolution**: %s\n", oneLine(rec.Resolution))
	}
	if rec.ActionRecord != "" {
		fmt.Fprintf(&b, "- **Action record**: %s\n", oneLine(rec.ActionRecord))
	}
	return b.String()
}

// NormalizeLabels sorts and dedupes labels, dropping empty ones.
func NormalizeLabels(labels []string) []string {
	seen := make(map[string]bool, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// SameLabels compares label sets.
func SameLabels(a, b []string) bool {
	a, b = NormalizeLabels(a), NormalizeLabels(b)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cell(s string) string {
	s = oneLine(s)
	return strings.ReplaceAll(s, "|", `\|`)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

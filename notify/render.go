// Package notify renders scan reports into a single review comment and
// posts it to the triggering pull request. Rendering is a pure function of
// the two reports; all I/O lives in the Poster adapter so the message
// format is testable without any network dependency.
package notify

import (
	"fmt"
	"strings"

	"github.com/deckhand-ci/deckhand/scan"
)

// Render composes the filesystem and image reports into one markdown
// message. When both reports are empty it returns a single "no issues"
// message instead of empty sections.
func Render(fsReport, imageReport *scan.Report) string {
	if fsReport.Empty() && imageReport.Empty() {
		return "## Vulnerability scan\n\nNo issues found in the source tree or the built image."
	}

	var b strings.Builder
	b.WriteString("## Vulnerability scan\n")
	renderSection(&b, "Source tree", fsReport)
	renderSection(&b, "Built image", imageReport)
	return strings.TrimRight(b.String(), "\n")
}

func renderSection(b *strings.Builder, title string, report *scan.Report) {
	b.WriteString(fmt.Sprintf("\n### %s\n\n", title))
	if report.Empty() {
		b.WriteString("No issues found.\n")
		return
	}
	for _, f := range report.Findings {
		renderFinding(b, f)
	}
}

func renderFinding(b *strings.Builder, f scan.Finding) {
	fixed := f.FixedVersion
	if fixed == "" {
		fixed = "None"
	}
	b.WriteString(fmt.Sprintf("- **%s** (%s): `%s %s`, fixed in: %s\n",
		f.VulnerabilityID, f.Severity, f.PkgName, f.InstalledVersion, fixed))
	if f.Description != "" {
		b.WriteString(fmt.Sprintf("  %s\n", f.Description))
	}
}

// Package scan wraps the Trivy vulnerability scanner as a report-only gate.
// The scanner detects; the pipeline decides. A scan failure never halts the
// run on its own: the caller receives an empty report together with the
// error and chooses how to proceed.
package scan

// TargetKind distinguishes what a scan ran against.
type TargetKind string

const (
	// KindFilesystem is a scan of the source tree before the build.
	KindFilesystem TargetKind = "filesystem"

	// KindImage is a scan of the built artifact before the push.
	KindImage TargetKind = "image"
)

// Finding is a single detected vulnerability instance tied to a specific
// package and version.
type Finding struct {
	PkgName          string `json:"pkgName"`
	InstalledVersion string `json:"installedVersion"`
	VulnerabilityID  string `json:"vulnerabilityId"`
	Severity         string `json:"severity"`
	FixedVersion     string `json:"fixedVersion,omitempty"`
	Description      string `json:"description,omitempty"`
}

// Report is the severity-filtered result of one scan. It is immutable once
// produced; a run holds two independent instances, one per target kind.
type Report struct {
	Target   string     `json:"target"`
	Kind     TargetKind `json:"kind"`
	Findings []Finding  `json:"findings"`
}

// Empty reports whether the scan surfaced no findings.
func (r *Report) Empty() bool {
	return r == nil || len(r.Findings) == 0
}

// trivyReport mirrors the subset of Trivy's JSON output format the pipeline
// consumes. The schema is a contract to be adapted, not reimplemented.
type trivyReport struct {
	Results []trivyResult `json:"Results"`
}

type trivyResult struct {
	Target          string               `json:"Target"`
	Vulnerabilities []trivyVulnerability `json:"Vulnerabilities"`
}

type trivyVulnerability struct {
	VulnerabilityID  string `json:"VulnerabilityID"`
	PkgName          string `json:"PkgName"`
	InstalledVersion string `json:"InstalledVersion"`
	FixedVersion     string `json:"FixedVersion"`
	Severity         string `json:"Severity"`
	Description      string `json:"Description"`
}

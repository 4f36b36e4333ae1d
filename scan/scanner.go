package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"

	pipeerrors "github.com/deckhand-ci/deckhand/errors"
	"github.com/deckhand-ci/deckhand/executor"
)

// Scanner invokes Trivy against a target and produces a severity-filtered
// Report. All methods are safe for concurrent use.
type Scanner struct {
	runner     executor.Executor
	severities map[string]bool
	fs         billy.Filesystem
	reportDir  string
	logger     *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithLogger configures the scanner with a logger. Nil disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) { s.logger = logger }
}

// WithRunner replaces the command runner. This is primarily used for testing.
func WithRunner(runner executor.Executor) Option {
	return func(s *Scanner) { s.runner = runner }
}

// WithFilesystem replaces the filesystem reports are persisted to.
func WithFilesystem(fsys billy.Filesystem) Option {
	return func(s *Scanner) { s.fs = fsys }
}

// WithReportDir sets the directory reports are persisted under.
func WithReportDir(dir string) Option {
	return func(s *Scanner) { s.reportDir = dir }
}

// New creates a Scanner restricted to the given severity allow-list.
func New(severities []string, opts ...Option) *Scanner {
	s := &Scanner{
		runner:     executor.New("trivy"),
		severities: make(map[string]bool, len(severities)),
		fs:         osfs.New("/"),
		reportDir:  ".",
	}
	for _, sev := range severities {
		s.severities[strings.ToUpper(sev)] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan runs the scanner against target. The returned Report is never nil:
// when the scanner invocation fails, Scan returns an empty report together
// with a non-fatal error so the pipeline can record the failure and
// continue. Filesystem scans keep only findings with a fix available;
// image scans keep findings regardless of fixability to surface maximum
// image risk.
func (s *Scanner) Scan(ctx context.Context, target string, kind TargetKind) (*Report, error) {
	report := &Report{Target: target, Kind: kind}

	args := s.arguments(target, kind)
	if s.logger != nil {
		s.logger.InfoContext(ctx, "scanning target",
			"target", target, "kind", string(kind))
	}

	result, err := s.runner.Execute(ctx, args)
	if err != nil {
		return report, pipeerrors.New(pipeerrors.CodeScan, "scan",
			fmt.Errorf("scanning %s %s: %w", kind, target, err))
	}

	findings, err := s.parse(result.Stdout, kind)
	if err != nil {
		return report, pipeerrors.New(pipeerrors.CodeScan, "scan",
			fmt.Errorf("parsing %s report for %s: %w", kind, target, err))
	}
	report.Findings = findings

	if s.logger != nil {
		s.logger.InfoContext(ctx, "scan complete",
			"target", target, "kind", string(kind), "findings", len(findings))
	}
	return report, nil
}

// Persist writes the report to the scanner's report directory as a named
// artifact of the run, scan-<kind>.json.
func (s *Scanner) Persist(report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return pipeerrors.New(pipeerrors.CodeScan, "scan.persist", err)
	}

	if err := s.fs.MkdirAll(s.reportDir, 0o755); err != nil {
		return pipeerrors.New(pipeerrors.CodeScan, "scan.persist", err)
	}
	path := filepath.Join(s.reportDir, fmt.Sprintf("scan-%s.json", report.Kind))
	if err := util.WriteFile(s.fs, path, data, 0o644); err != nil {
		return pipeerrors.New(pipeerrors.CodeScan, "scan.persist",
			fmt.Errorf("writing %s: %w", path, err))
	}
	return nil
}

func (s *Scanner) arguments(target string, kind TargetKind) []string {
	args := []string{string(kind), "--format", "json", "--severity", s.severityList()}
	if kind == KindFilesystem {
		// Unfixed findings in the source tree are unactionable noise; the
		// image scan surfaces them instead.
		args = append(args, "--ignore-unfixed")
	}
	return append(args, target)
}

func (s *Scanner) severityList() string {
	list := make([]string, 0, len(s.severities))
	for sev := range s.severities {
		list = append(list, sev)
	}
	// Stable order for reproducible invocations.
	sort.Strings(list)
	return strings.Join(list, ",")
}

func (s *Scanner) parse(output string, kind TargetKind) ([]Finding, error) {
	var raw trivyReport
	if err := json.Unmarshal([]byte(output), &raw); err != nil {
		return nil, err
	}

	var findings []Finding
	for _, result := range raw.Results {
		for _, vuln := range result.Vulnerabilities {
			if !s.severities[strings.ToUpper(vuln.Severity)] {
				continue
			}
			if kind == KindFilesystem && vuln.FixedVersion == "" {
				continue
			}
			findings = append(findings, Finding{
				PkgName:          vuln.PkgName,
				InstalledVersion: vuln.InstalledVersion,
				VulnerabilityID:  vuln.VulnerabilityID,
				Severity:         strings.ToUpper(vuln.Severity),
				FixedVersion:     vuln.FixedVersion,
				Description:      vuln.Description,
			})
		}
	}
	return findings, nil
}

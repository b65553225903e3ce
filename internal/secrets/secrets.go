// Package secrets scans fix diffs for leaked credentials before they
// are committed, using the gitleaks ruleset with an operator-managed
// allowlist.
package secrets

import (
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Finding is one detected secret.
type Finding struct {
	RuleID      string
	Description string
	File        string
	Line        int
	Secret      string
}

// Allowlist excludes known-safe paths and content patterns from
// detection.
type Allowlist struct {
	Paths   []string `toml:"paths"`
	Regexes []string `toml:"regexes"`
}

// allowlistFile is the TOML shape of an allowlist file.
type allowlistFile struct {
	Allowlist Allowlist `toml:"allowlist"`
}

// LoadAllowlist reads an allowlist from a TOML file. A missing file
// yields an empty allowlist; invalid TOML or an invalid regex is an
// error.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("read allowlist %s: %w", path, err)
	}

	var file allowlistFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse allowlist %s: %w", path, err)
	}
	for _, pattern := range append(file.Allowlist.Paths, file.Allowlist.Regexes...) {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("allowlist %s: invalid pattern %q: %w", path, pattern, err)
		}
	}
	return &file.Allowlist, nil
}

// Scanner detects secrets in file content.
type Scanner struct {
	detector *detect.Detector
}

// NewScanner builds a scanner from the default gitleaks ruleset plus
// the allowlist. allowlist may be nil.
func NewScanner(allowlist *Allowlist) (*Scanner, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("create secret detector: %w", err)
	}
	if allowlist != nil {
		applyAllowlist(&detector.Config, allowlist)
	}
	return &Scanner{detector: detector}, nil
}

// ScanContent scans one file's content. filePath is reported on
// findings and matched against allowlisted paths.
func (s *Scanner) ScanContent(filePath, content string) []Finding {
	raw := s.detector.DetectString(content)
	out := make([]Finding, 0, len(raw))
	for _, f := range raw {
		out = append(out, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			File:        filePath,
			Line:        f.StartLine,
			Secret:      f.Secret,
		})
	}
	return out
}

// Allowed reports whether a path is excluded from scanning. Patterns
// are validated at load time.
func (a *Allowlist) Allowed(path string) bool {
	if a == nil {
		return false
	}
	for _, pattern := range a.Paths {
		if regexp.MustCompile(pattern).MatchString(path) {
			return true
		}
	}
	return false
}

func applyAllowlist(cfg *gitleaksconfig.Config, allowlist *Allowlist) {
	global := &gitleaksconfig.Allowlist{Description: "remedyd operator allowlist"}
	for _, pattern := range allowlist.Paths {
		global.Paths = append(global.Paths, (*gitleaksregexp.Regexp)(regexp.MustCompile(pattern)))
	}
	for _, pattern := range allowlist.Regexes {
		global.Regexes = append(global.Regexes, (*gitleaksregexp.Regexp)(regexp.MustCompile(pattern)))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
}

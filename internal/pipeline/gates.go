package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/challenger"
	"github.com/fyrsmithlabs/remedyd/internal/secrets"
	"github.com/fyrsmithlabs/remedyd/internal/workitem"
)

// ProducerOutput is the payload a producer agent returns for a fix.
type ProducerOutput struct {
	Summary      string   `json:"summary,omitempty"`
	Branch       string   `json:"branch,omitempty"`
	ChangedFiles []string `json:"changed_files,omitempty"`
}

// ChangeInspector reports the files actually modified in a working
// directory. It is the ground truth the red-flag gates compare agent
// claims against.
type ChangeInspector interface {
	ChangedFiles(ctx context.Context, workdir string) ([]string, error)
}

// GitInspector inspects an on-disk git worktree.
type GitInspector struct{}

// ChangedFiles lists paths with uncommitted modifications, relative
// to the repository root.
func (GitInspector) ChangedFiles(ctx context.Context, workdir string) ([]string, error) {
	repo, err := git.PlainOpen(workdir)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", workdir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("read worktree status: %w", err)
	}

	var changed []string
	for path, st := range status {
		if st.Worktree == git.Unmodified && st.Staging == git.Unmodified {
			continue
		}
		changed = append(changed, path)
	}
	return changed, nil
}

// Gatekeeper runs the red-flag checks that precede validator scoring.
// Any tripped gate rejects the fix outright with score 0; the
// validator never sees it.
type Gatekeeper struct {
	inspector ChangeInspector
	scanner   *secrets.Scanner
	allowlist *secrets.Allowlist
	logger    *zap.Logger
}

// NewGatekeeper builds the gate set. allowlistPath may be empty.
func NewGatekeeper(inspector ChangeInspector, allowlistPath string, logger *zap.Logger) (*Gatekeeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowlist, err := secrets.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}
	scanner, err := secrets.NewScanner(allowlist)
	if err != nil {
		return nil, err
	}
	return &Gatekeeper{
		inspector: inspector,
		scanner:   scanner,
		allowlist: allowlist,
		logger:    logger,
	}, nil
}

// Check inspects a claimed fix. A nil verdict means all gates passed;
// a non-nil verdict is a rejection to record as-is.
func (g *Gatekeeper) Check(ctx context.Context, item *workitem.Item, workdir string, out ProducerOutput) (*challenger.Verdict, error) {
	actual, err := g.inspector.ChangedFiles(ctx, workdir)
	if err != nil {
		return nil, err
	}

	if len(actual) == 0 {
		return reject("empty-change-set",
			fmt.Sprintf("fix for %s claims success but the change set is empty", item.ID)), nil
	}

	if len(item.Scope) > 0 {
		for _, path := range actual {
			if !inScope(path, item.Scope) {
				return reject("out-of-scope-change",
					fmt.Sprintf("file %s is outside the declared scope of %s", path, item.ID)), nil
			}
		}
	}

	actualSet := make(map[string]bool, len(actual))
	for _, path := range actual {
		actualSet[path] = true
	}
	for _, claimed := range out.ChangedFiles {
		if !actualSet[filepath.ToSlash(claimed)] {
			return reject("phantom-change",
				fmt.Sprintf("claimed modification of %s is absent from the change set", claimed)), nil
		}
	}

	for _, path := range actual {
		if g.allowlist.Allowed(path) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(workdir, filepath.FromSlash(path)))
		if err != nil {
			if os.IsNotExist(err) {
				continue // deleted file
			}
			return nil, fmt.Errorf("read changed file %s: %w", path, err)
		}
		if findings := g.scanner.ScanContent(path, string(content)); len(findings) > 0 {
			g.logger.Warn("secret detected in fix",
				zap.String("item_id", item.ID),
				zap.String("file", path),
				zap.String("rule", findings[0].RuleID))
			return reject("secret-introduced",
				fmt.Sprintf("fix introduces a secret in %s (%s)", path, findings[0].RuleID)), nil
		}
	}

	return nil, nil
}

func reject(code, description string) *challenger.Verdict {
	return &challenger.Verdict{
		Score:  0,
		Status: challenger.StatusRejected,
		Findings: []challenger.Finding{{
			Severity:    "critical",
			Description: description,
			Suggestion:  "red flag: " + code,
		}},
	}
}

// inScope reports whether path equals a scope entry or lives under a
// scope directory.
func inScope(path string, scope []string) bool {
	clean := filepath.ToSlash(path)
	for _, s := range scope {
		s = strings.TrimSuffix(filepath.ToSlash(s), "/")
		if clean == s || strings.HasPrefix(clean, s+"/") {
			return true
		}
	}
	return false
}

package queue

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/ahrdadan/pagecheck/internal/scenario"
)

// ErrPageOutsideRoot marks a page a queued run may not open.
var ErrPageOutsideRoot = errors.New("page outside page root")

// ConfinePage resolves target to an absolute path inside root. Relative paths
// are taken relative to root; absolute paths and file:// URLs must lie within
// it after symlinks are followed. Any other scheme is refused.
func ConfinePage(root, target string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("page root %s: %w", root, err)
	}
	rootAbs = resolveLinks(rootAbs)

	path := target
	if u, err := url.Parse(target); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		if !strings.EqualFold(u.Scheme, "file") {
			return "", fmt.Errorf("%w: %s is not a local page", ErrPageOutsideRoot, target)
		}
		path = filepath.FromSlash(u.Path)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(rootAbs, path)
	}
	path = resolveLinks(filepath.Clean(path))

	rel, err := filepath.Rel(rootAbs, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPageOutsideRoot, target)
	}
	return path, nil
}

// resolveLinks follows symlinks when path exists. A missing page is left for
// navigation to report.
func resolveLinks(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	return path
}

// ConfineRequest rewrites the request page and every navigate target of sc to
// absolute paths inside root.
func ConfineRequest(root string, req *RunRequest, sc *scenario.Scenario) error {
	if req.Page != "" {
		page, err := ConfinePage(root, req.Page)
		if err != nil {
			return err
		}
		req.Page = page
	}
	for i := range sc.Steps {
		step := &sc.Steps[i]
		if step.Action != scenario.ActionNavigate || step.Target == "" {
			continue
		}
		target, err := ConfinePage(root, step.Target)
		if err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		step.Target = target
	}
	return nil
}

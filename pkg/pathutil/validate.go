// Package pathutil provides hash, name and path validation utilities for trmv.
package pathutil

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/trctl/trmv/pkg/errclass"
)

var hashRegex = regexp.MustCompile(`^([0-9a-f]{40}|[0-9a-f]{64})$`)

// NormalizeHash lower-cases an info-hash and checks it is a v1 (40 hex) or
// v2 (64 hex) digest.
func NormalizeHash(hash string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(hash))
	if !hashRegex.MatchString(h) {
		return "", errclass.ErrNameInvalid.WithMessagef("not an info-hash: %q", hash)
	}
	return h, nil
}

// ValidateName checks that a payload name is a single path component.
func ValidateName(name string) error {
	if name == "" {
		return errclass.ErrNameInvalid.WithMessage("name must not be empty")
	}
	if name == "." || name == ".." {
		return errclass.ErrNameInvalid.WithMessagef("name must not be %q", name)
	}
	if strings.ContainsRune(name, '/') {
		return errclass.ErrNameInvalid.WithMessagef("name must not contain separators: %s", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errclass.ErrNameInvalid.WithMessagef("name must not contain control characters: %q", name)
		}
	}
	return nil
}

// ResolveName returns the on-disk spelling of name inside dir. The agent
// reports names in whatever normalization the metainfo used while the
// filesystem may hold another one, so the NFC and NFD forms are tried too.
// ok is false when no variant exists.
func ResolveName(dir, name string) (resolved string, ok bool) {
	for _, candidate := range []string{name, norm.NFC.String(name), norm.NFD.String(name)} {
		if _, err := os.Lstat(filepath.Join(dir, candidate)); err == nil {
			return candidate, true
		}
	}
	return name, false
}

// ValidatePathSafety verifies target path does not escape root.
func ValidatePathSafety(root, targetPath string) error {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return errclass.ErrPathEscape.WithMessagef("cannot resolve root: %v", err)
	}

	// Try resolving target; if it doesn't exist, resolve closest ancestor
	resolvedTarget, err := filepath.EvalSymlinks(targetPath)
	if err != nil {
		if os.IsNotExist(err) {
			resolvedTarget = resolveClosestAncestor(targetPath)
		} else {
			return errclass.ErrPathEscape.WithMessagef("cannot resolve target: %v", err)
		}
	}

	if !strings.HasPrefix(resolvedTarget+"/", resolvedRoot+"/") &&
		resolvedTarget != resolvedRoot {
		return errclass.ErrPathEscape.WithMessagef("path escapes root %s: %s", root, targetPath)
	}

	return nil
}

// Rel renders path relative to root for diagnostics, falling back to the
// cleaned absolute path when it is not below root.
func Rel(root, path string) string {
	if root == "" {
		return filepath.Clean(path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return filepath.Clean(path)
	}
	return rel
}

// resolveClosestAncestor walks up from path to find the closest existing
// ancestor, resolves it, then appends the remaining components.
func resolveClosestAncestor(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if os.IsNotExist(err) && dir != path {
			resolved = resolveClosestAncestor(dir)
		} else {
			return filepath.Clean(path)
		}
	}
	return filepath.Join(resolved, base)
}

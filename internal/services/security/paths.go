// -----------------------------------------------------------------------
// Path security - validation of user-supplied filesystem paths
// -----------------------------------------------------------------------

package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathRejected marks a validation failure on a user-supplied path
var ErrPathRejected = errors.New("path rejected")

// Validator checks user-supplied paths against a set of allowed roots.
// Symlinks are resolved before the containment check so a link inside an
// allowed root cannot escape it.
type Validator struct {
	allowedRoots []string
}

// NewValidator builds a validator whose allowed roots are the workspace
// root, the jobs directory, the user home directory and the system temp
// directory. Roots that cannot be resolved are skipped.
func NewValidator(workspaceRoot, jobsDir string) *Validator {
	candidates := []string{workspaceRoot, jobsDir, os.TempDir()}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, home)
	}

	roots := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c == "" {
			continue
		}
		resolved, err := resolvePath(c)
		if err != nil {
			continue
		}
		roots = append(roots, resolved)
	}

	return &Validator{allowedRoots: roots}
}

// AllowedRoots returns the resolved roots, mainly for logging
func (v *Validator) AllowedRoots() []string {
	out := make([]string, len(v.allowedRoots))
	copy(out, v.allowedRoots)
	return out
}

// ValidatePath normalizes raw and verifies it resolves inside an allowed
// root. Returns the cleaned absolute path.
func (v *Validator) ValidatePath(raw string) (string, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.Trim(cleaned, `"'`)
	if cleaned == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathRejected)
	}

	// Reject traversal components before touching the filesystem
	for _, part := range strings.Split(filepath.ToSlash(cleaned), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: traversal component in %q", ErrPathRejected, raw)
		}
	}

	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPathRejected, err)
	}

	resolved, err := resolvePath(abs)
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve %q: %v", ErrPathRejected, raw, err)
	}

	for _, root := range v.allowedRoots {
		if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %q is outside allowed directories", ErrPathRejected, raw)
}

// ValidateInputPath validates raw and requires an existing regular file
func (v *Validator) ValidateInputPath(raw string) (string, error) {
	path, err := v.ValidatePath(raw)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: input does not exist: %q", ErrPathRejected, raw)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: input is not a regular file: %q", ErrPathRejected, raw)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: input is not readable: %q", ErrPathRejected, raw)
	}
	f.Close()

	return path, nil
}

// ValidateOutputPath validates raw and requires a writable parent
// directory; the file itself need not exist
func (v *Validator) ValidateOutputPath(raw string) (string, error) {
	path, err := v.ValidatePath(raw)
	if err != nil {
		return "", err
	}

	parent := filepath.Dir(path)
	info, err := os.Stat(parent)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: output directory does not exist: %q", ErrPathRejected, raw)
	}
	check, err := os.CreateTemp(parent, ".writecheck-*")
	if err != nil {
		return "", fmt.Errorf("%w: output directory is not writable: %q", ErrPathRejected, raw)
	}
	check.Close()
	os.Remove(check.Name())

	return path, nil
}

// ValidateDirectoryPath validates raw and requires an existing directory
func (v *Validator) ValidateDirectoryPath(raw string) (string, error) {
	path, err := v.ValidatePath(raw)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: not a directory: %q", ErrPathRejected, raw)
	}
	return path, nil
}

// SanitizeFilename strips a name down to a safe basename. Everything
// outside [A-Za-z0-9._-] becomes an underscore; a leading dot is
// replaced so the result is never hidden.
func SanitizeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "unnamed"
	}

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	out := b.String()
	if out == "" || strings.Trim(out, "._-") == "" {
		return "unnamed"
	}
	if out[0] == '.' {
		out = "_" + out[1:]
	}
	return out
}

// resolvePath resolves symlinks for the deepest existing ancestor so
// not-yet-created output paths can still be checked
func resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	parent, err := resolvePath(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}

// Package validation guards every value that reaches an external process or
// the filesystem: renderer commands and arguments, git revisions, artifact
// names requested over HTTP, and WebSocket origins.
package validation

import (
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
)

var shellMetacharacters = []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r"}

// ValidateArgument validates a command line argument to prevent injection attacks
func ValidateArgument(arg string) error {
	for _, char := range shellMetacharacters {
		if strings.Contains(arg, char) {
			return fmt.Errorf("contains dangerous character: %q", char)
		}
	}
	if strings.Contains(arg, "\x00") {
		return fmt.Errorf("contains null byte")
	}
	return nil
}

// ValidateCommand validates the executable the renderer runs. Absolute paths
// are allowed; arguments belong in renderer.args.
func ValidateCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("command cannot be empty")
	}
	if strings.ContainsAny(command, " \t") {
		return fmt.Errorf("command %q must not contain whitespace; put arguments in renderer.args", command)
	}
	if err := ValidateArgument(command); err != nil {
		return fmt.Errorf("invalid command %q: %w", command, err)
	}
	if strings.Contains(filepath.ToSlash(command), "../") {
		return fmt.Errorf("invalid command %q: contains path traversal", command)
	}
	return nil
}

// ValidateRef checks a branch name or revision before it is passed to git.
// It follows the parts of git-check-ref-format that matter for safety.
func ValidateRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("ref cannot be empty")
	}
	if strings.HasPrefix(ref, "-") {
		return fmt.Errorf("ref %q must not start with '-'", ref)
	}
	if strings.Contains(ref, "..") || strings.Contains(ref, "@{") {
		return fmt.Errorf("ref %q contains a range or reflog expression", ref)
	}
	if strings.HasSuffix(ref, "/") || strings.HasSuffix(ref, ".lock") || strings.HasSuffix(ref, ".") {
		return fmt.Errorf("ref %q has an invalid suffix", ref)
	}
	for _, r := range ref {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
			return fmt.Errorf("ref %q contains invalid character %q", ref, r)
		}
	}
	return nil
}

var commitHashPattern = regexp.MustCompile(`^[0-9a-f]{7,64}$`)

// ValidateCommitHash accepts abbreviated or full lower-case hex object names.
func ValidateCommitHash(hash string) error {
	if !commitHashPattern.MatchString(hash) {
		return fmt.Errorf("invalid commit hash %q", hash)
	}
	return nil
}

var namespacePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateNamespace checks the tag that prefixes artifact file names.
func ValidateNamespace(namespace string) error {
	if !namespacePattern.MatchString(namespace) {
		return fmt.Errorf("namespace %q must match %s", namespace, namespacePattern)
	}
	return nil
}

// ValidateArtifactName validates a file name requested from the artifact
// directory. Only bare names with an allowed extension pass.
func ValidateArtifactName(name string, allowedExtensions []string) error {
	if name == "" {
		return fmt.Errorf("filename cannot be empty")
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("path traversal detected: %s", name)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("filename contains null byte")
	}
	return ValidateFileExtension(name, allowedExtensions)
}

// ValidatePath validates a configured filesystem path
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "<", ">", "\n", "\r"}
	for _, char := range dangerousChars {
		if strings.Contains(path, char) {
			return fmt.Errorf("path contains dangerous character: %q", char)
		}
	}

	cleanPathLower := strings.ToLower(filepath.Clean(path))
	for _, restricted := range []string{"/etc", "/proc", "/sys", "/dev", "/boot"} {
		if cleanPathLower == restricted || strings.HasPrefix(cleanPathLower, restricted+"/") {
			return fmt.Errorf("access to restricted path denied: %s", path)
		}
	}

	return nil
}

// ValidateOrigin validates WebSocket origin for CSRF protection
func ValidateOrigin(origin string, allowedOrigins []string) error {
	if origin == "" {
		return fmt.Errorf("origin header is required")
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin format: %w", err)
	}

	if originURL.Scheme != "http" && originURL.Scheme != "https" {
		return fmt.Errorf("invalid origin scheme '%s': only http and https are allowed", originURL.Scheme)
	}

	for _, allowed := range allowedOrigins {
		if origin == allowed || originURL.Host == allowed {
			return nil
		}
	}

	return fmt.Errorf("origin '%s' is not in allowed origins list", origin)
}

// ValidateFileExtension validates file extensions against an allowlist
func ValidateFileExtension(filename string, allowedExtensions []string) error {
	if filename == "" {
		return fmt.Errorf("filename cannot be empty")
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return fmt.Errorf("file must have an extension")
	}

	for _, allowed := range allowedExtensions {
		if ext == strings.ToLower(allowed) {
			return nil
		}
	}

	return fmt.Errorf("file extension '%s' is not allowed", ext)
}

// SanitizeInput strips null bytes and control characters from text that ends
// up in log lines, such as viewer trace messages.
func SanitizeInput(input string) string {
	var sanitized strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\t' {
			sanitized.WriteRune(r)
		}
	}
	return sanitized.String()
}

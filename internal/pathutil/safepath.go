// Package pathutil has helpers for handling untrusted path and filename input.
package pathutil

import "strings"

// MaxFilenameLen is the longest sanitized filename we will produce. Matches
// the common filesystem limit of 255 bytes per path component.
const MaxFilenameLen = 255

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// SanitizeFilename normalizes an untrusted filename into a safe same-directory
// name. Directory components are stripped (only the final path segment
// survives, so traversal sequences like "../../etc/passwd" reduce to
// "passwd"), every byte outside [A-Za-z0-9._-] is removed, and overlong names
// are truncated to MaxFilenameLen with the extension preserved when possible.
//
// The result may be empty; callers must treat an empty result as invalid
// input and reject it. SanitizeFilename itself never fails.
func SanitizeFilename(name string) string {
	// Final path segment only. Handle both separators so Windows-style
	// payloads ("..\\..\\boot.ini") don't slip through.
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	name = b.String()

	if len(name) <= MaxFilenameLen {
		return name
	}

	// Truncate the stem, keep the extension, unless the extension alone
	// is already too long to preserve.
	ext := ""
	if i := strings.LastIndex(name, "."); i > 0 {
		ext = name[i:]
	}
	if len(ext) >= MaxFilenameLen {
		return name[:MaxFilenameLen]
	}
	return name[:MaxFilenameLen-len(ext)] + ext
}

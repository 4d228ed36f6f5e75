package security

import (
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxFilenameLength is the longest filename SanitizeFilename returns, in bytes.
const MaxFilenameLength = 255

var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {}, "COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {}, "LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// SanitizePath resolves input relative to base and returns the absolute path.
// Inputs containing ".." segments, or resolving outside base, are rejected.
// Characters that are invalid in path segments are stripped first.
func SanitizePath(base, input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", &Error{Op: "sanitize path", Input: input, Reason: ErrInvalidPath}
	}
	if strings.ContainsRune(input, 0) {
		return "", &Error{Op: "sanitize path", Input: input, Reason: ErrInvalidPath}
	}
	normalized := strings.ReplaceAll(input, "\\", "/")
	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return "", &Error{Op: "sanitize path", Input: input, Reason: ErrPathTraversal}
		}
	}

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", &Error{Op: "sanitize path", Input: base, Reason: ErrInvalidPath}
	}

	cleaned := stripPathChars(normalized)
	var candidate string
	if filepath.IsAbs(cleaned) {
		candidate = filepath.Clean(cleaned)
	} else {
		candidate = filepath.Join(absBase, filepath.FromSlash(cleaned))
	}

	if !within(absBase, candidate) {
		return "", &Error{Op: "sanitize path", Input: input, Reason: ErrPathTraversal}
	}
	// Symlinks already on disk must not lead out of base either.
	if resolved, err := filepath.EvalSymlinks(candidate); err == nil {
		resolvedBase := absBase
		if rb, err := filepath.EvalSymlinks(absBase); err == nil {
			resolvedBase = rb
		}
		if !within(resolvedBase, resolved) {
			return "", &Error{Op: "sanitize path", Input: input, Reason: ErrPathTraversal}
		}
	}
	return candidate, nil
}

func within(base, target string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func stripPathChars(p string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return -1
		case strings.ContainsRune(`<>"|?*`, r):
			return -1
		}
		return r
	}, p)
}

// SanitizeFilename strips characters that are invalid in filenames, rejects
// reserved device names, and truncates the result to MaxFilenameLength bytes.
func SanitizeFilename(name string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return -1
		case strings.ContainsRune(`<>:"/\|?*`, r):
			return -1
		case !unicode.IsPrint(r) && !unicode.IsSpace(r):
			return -1
		}
		return r
	}, name)
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.TrimRight(cleaned, ". ")
	if cleaned == "" || cleaned == "." {
		return "", &Error{Op: "sanitize filename", Input: name, Reason: ErrInvalidFilename}
	}

	stem := cleaned
	if idx := strings.IndexByte(stem, '.'); idx >= 0 {
		stem = stem[:idx]
	}
	if _, reserved := reservedNames[strings.ToUpper(strings.TrimSpace(stem))]; reserved {
		return "", &Error{Op: "sanitize filename", Input: name, Reason: ErrReservedName}
	}

	if len(cleaned) > MaxFilenameLength {
		cut := MaxFilenameLength
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut]
	}
	return cleaned, nil
}

package transfer

import (
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	maxFilenameRunes = 120
	sniffLen         = 512
)

// SanitizeFilename reduces name to a safe single path component. It
// normalizes to NFC, drops any directory part, and replaces every rune
// other than letters, digits, '.', '-' and '_' with '_'.
func SanitizeFilename(name string) string {
	name = norm.NFC.String(strings.ReplaceAll(name, "\\", "/"))
	name = path.Base(name)

	var b strings.Builder

	n := 0
	for _, r := range name {
		if n == maxFilenameRunes {
			break
		}

		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}

		n++
	}

	out := strings.TrimLeft(b.String(), ".")
	if out == "" || strings.Trim(out, "_") == "" {
		return "file"
	}

	return out
}

// DetectMIME picks a MIME type from the extension, falling back to
// content sniffing.
func DetectMIME(name string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}

	return http.DetectContentType(data[:min(len(data), sniffLen)])
}

package capture

import (
	"strings"
	"time"
	"unicode"
)

// Placeholders for stream metadata Twitch may leave blank.
const (
	UntitledPlaceholder   = "Untitled"
	NoCategoryPlaceholder = "Null"
)

const filenameTimeLayout = "20060102_15h04m05s"

// FileInfo is what goes into a recording's file name.
type FileInfo struct {
	Login       string
	At          time.Time
	Title       string
	Category    string
	Quality     string
	WithQuality bool
	Ext         string
}

// BuildFilename returns
// <login>-<YYYYMMDD_HHhMMmSSs>_<title>_<category>[_<quality>].<ext>
// with every character that is unsafe in a file name removed.
func BuildFilename(fi FileInfo) string {
	title := Sanitize(fi.Title)
	if strings.TrimSpace(title) == "" {
		title = UntitledPlaceholder
	}
	category := Sanitize(fi.Category)
	if category == "" {
		category = NoCategoryPlaceholder
	}
	ext := strings.TrimPrefix(fi.Ext, ".")
	if ext == "" {
		ext = DefaultExt
	}

	var b strings.Builder
	b.WriteString(fi.Login)
	b.WriteByte('-')
	b.WriteString(fi.At.Format(filenameTimeLayout))
	b.WriteByte('_')
	b.WriteString(title)
	b.WriteByte('_')
	b.WriteString(category)
	if fi.WithQuality && fi.Quality != "" {
		b.WriteByte('_')
		b.WriteString(fi.Quality)
	}
	b.WriteByte('.')
	b.WriteString(ext)
	return Sanitize(b.String())
}

// Sanitize drops path separators, characters reserved on Windows, control
// characters and Unicode line/paragraph separators.
func Sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\\', '/', ':', '*', '?', '"', '<', '>', '|', '\u2028', '\u2029':
			return -1
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
}

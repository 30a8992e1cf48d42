package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	DefaultNoteMinLength = 10
	NoteMaxLength        = 1000
)

// NormalizeNote trims a hold reason, resume resolution or abort reason and checks its length in characters.
// minLength below DefaultNoteMinLength is raised to it.
func NormalizeNote(field string, text string, minLength int) (string, error) {
	if minLength < DefaultNoteMinLength {
		minLength = DefaultNoteMinLength
	}
	text = strings.TrimSpace(text)
	n := utf8.RuneCountInString(text)
	if n < minLength {
		return "", Validation(fmt.Sprintf("%s must be at least %d characters (got %d)", field, minLength, n))
	}
	if n > NoteMaxLength {
		return "", Validation(fmt.Sprintf("%s must be at most %d characters (got %d)", field, NoteMaxLength, n))
	}
	return text, nil
}

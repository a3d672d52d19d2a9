package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	MaxContentBytes = 4096 // 4KB max content size
	MaxContentChars = 2000 // max character count
)

// ErrEmptyContent is returned for messages with no text.
var ErrEmptyContent = errors.New("message content is empty")

// ValidateContent checks that chat message text meets content requirements.
func ValidateContent(text string) error {
	if len(text) == 0 {
		return ErrEmptyContent
	}
	if len(text) > MaxContentBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxContentBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxContentChars {
		return fmt.Errorf("message exceeds %d character limit", MaxContentChars)
	}
	return nil
}

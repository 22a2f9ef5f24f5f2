package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// RoomCodeRegex validates meeting room codes.
	RoomCodeRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

const (
	MaxRoomCodeLength    = 64
	MaxDisplayNameLength = 64
	MaxChatBodyLength    = 2000
)

// ValidateRoomCode checks room code format. Codes are caller-supplied and
// never pre-registered, so only shape is checked.
func ValidateRoomCode(code string) error {
	if code == "" {
		return fmt.Errorf("room code must not be empty")
	}
	if len(code) > MaxRoomCodeLength {
		return fmt.Errorf("room code must be at most %d characters", MaxRoomCodeLength)
	}
	if !RoomCodeRegex.MatchString(code) {
		return fmt.Errorf("room code may only contain letters, digits, '-' and '_'")
	}
	return nil
}

// ValidateDisplayName checks a chat display name. The name itself is opaque;
// only size and control characters are restricted.
func ValidateDisplayName(name string) error {
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return fmt.Errorf("display name must be at most %d characters", MaxDisplayNameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("display name must not contain control characters")
		}
	}
	return nil
}

// ValidateChatBody checks a chat message body.
func ValidateChatBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("chat body must not be empty")
	}
	if utf8.RuneCountInString(body) > MaxChatBodyLength {
		return fmt.Errorf("chat body must be at most %d characters", MaxChatBodyLength)
	}
	return nil
}

// SanitizeDisplayName strips control characters and trims whitespace.
func SanitizeDisplayName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	return strings.TrimSpace(name)
}

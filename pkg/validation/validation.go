package validation

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxRoomIDLength is the longest room id accepted, in runes.
const MaxRoomIDLength = 100

// ValidateRoomID validates a client supplied room id. Any printable text is
// allowed since rooms are created implicitly by name.
func ValidateRoomID(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("room id is required")
	}
	if !utf8.ValidString(roomID) {
		return fmt.Errorf("room id contains invalid characters")
	}
	if err := ValidateStringLength(roomID, 1, MaxRoomIDLength, "room id"); err != nil {
		return err
	}
	for _, r := range roomID {
		if unicode.IsControl(r) {
			return fmt.Errorf("room id contains control characters")
		}
	}
	return nil
}

// ValidateHTTPURL validates an absolute http or https URL.
func ValidateHTTPURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme (must be http or https)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}

package auth

import (
	"encoding/json"
	"fmt"
	"strings"
)

// pageSettings is the transaction descriptor Azure B2C embeds in the login
// page as a JavaScript assignment. It is not a structured API; the flow
// scrapes it out of the HTML.
type pageSettings struct {
	TransID string `json:"transId"` // "StateProperties=..."
	CSRF    string `json:"csrf"`
	API     string `json:"api"`
}

const settingsMarker = "var SETTINGS = "

// parsePageSettings extracts the SETTINGS object from the authorize page.
// The object is a JS literal terminated by ";"; balanced-brace scanning is
// enough because the vendor serializes it as plain JSON.
func parsePageSettings(body string) (*pageSettings, error) {
	idx := strings.Index(body, settingsMarker)
	if idx < 0 {
		return nil, ErrFormParse
	}
	rest := body[idx+len(settingsMarker):]
	obj, err := scanJSONObject(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFormParse, err)
	}
	var settings pageSettings
	if err := json.Unmarshal([]byte(obj), &settings); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrFormParse, err)
	}
	if settings.TransID == "" || settings.CSRF == "" {
		return nil, ErrFormParse
	}
	return &settings, nil
}

func scanJSONObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no object start")
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unterminated object")
}

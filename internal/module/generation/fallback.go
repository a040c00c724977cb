package generation

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode"
)

var fallbackPalette = []string{
	"#6366f1", "#0ea5e9", "#10b981", "#f59e0b",
}

const fallbackSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 128 128"><rect x="8" y="8" width="112" height="112" rx="24" fill="%s"/><text x="64" y="86" font-family="Arial, sans-serif" font-size="60" font-weight="bold" text-anchor="middle" fill="#ffffff">%s</text></svg>`

// FallbackIcon synthesizes a deterministic placeholder: a rounded square
// carrying the first letter of the prompt. Same prompt and index always
// produce the same artifact.
func FallbackIcon(prompt string, index int) string {
	letter := "?"
	for _, r := range strings.TrimSpace(prompt) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			letter = strings.ToUpper(string(r))
			break
		}
	}
	if index < 0 {
		index = 0
	}
	color := fallbackPalette[index%len(fallbackPalette)]

	svg := fmt.Sprintf(fallbackSVG, color, letter)
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(svg))
}

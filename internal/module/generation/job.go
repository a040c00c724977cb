package generation

import (
	"fmt"
	"strings"
)

const (
	maxPromptLength   = 200
	defaultVariations = 3
	maxVariations     = 4
)

// Job describes one generation request. It lives for the duration of the
// response stream and is never persisted.
type Job struct {
	Prompt                 string
	Style                  string
	Count                  int
	IsImprovement          bool
	BasePrompt             string
	ImprovementInstruction string
}

// Validate checks the request fields the handler cannot express through
// binding tags alone.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Prompt) == "" {
		return fmt.Errorf("prompt is required")
	}
	if len(j.Prompt) > maxPromptLength {
		return fmt.Errorf("prompt exceeds %d characters", maxPromptLength)
	}
	if strings.TrimSpace(j.Style) == "" {
		return fmt.Errorf("style is required")
	}
	return nil
}

// Variations returns how many image calls the job makes. Improvements
// always produce a single variation.
func (j *Job) Variations() int {
	if j.IsImprovement {
		return 1
	}
	if j.Count <= 0 {
		return defaultVariations
	}
	if j.Count > maxVariations {
		return maxVariations
	}
	return j.Count
}

// NarrationPrompt asks the text provider to narrate its approach.
func (j *Job) NarrationPrompt() string {
	if j.IsImprovement {
		return fmt.Sprintf(
			"You are an icon designer. In two or three short sentences, describe how you would improve an existing %s style icon of %q following this instruction: %s",
			j.Style, j.baseConcept(), j.instruction())
	}
	return fmt.Sprintf(
		"You are an icon designer. In two or three short sentences, describe how you would design a %s style icon of %q.",
		j.Style, j.Prompt)
}

// ImagePrompt builds the prompt sent to the image provider.
func (j *Job) ImagePrompt() string {
	if j.IsImprovement {
		return fmt.Sprintf(
			"A single %s style app icon of %s, modified as follows: %s. Transparent background, centered, minimal detail, no text.",
			j.Style, j.baseConcept(), j.instruction())
	}
	return fmt.Sprintf(
		"A single %s style app icon of %s. Transparent background, centered, minimal detail, no text.",
		j.Style, j.Prompt)
}

func (j *Job) baseConcept() string {
	if j.BasePrompt != "" {
		return j.BasePrompt
	}
	return j.Prompt
}

// instruction returns the explicit modification instruction, or extracts
// one from the prompt when the caller only sent free text.
func (j *Job) instruction() string {
	if j.ImprovementInstruction != "" {
		return j.ImprovementInstruction
	}
	return extractInstruction(j.Prompt)
}

var instructionPrefixes = []string{
	"improve this icon:",
	"improve the icon:",
	"improve:",
	"make it",
}

func extractInstruction(prompt string) string {
	lower := strings.ToLower(prompt)
	for _, prefix := range instructionPrefixes {
		if strings.HasPrefix(lower, prefix) {
			rest := strings.TrimSpace(prompt[len(prefix):])
			if rest != "" {
				if prefix == "make it" {
					return "make it " + rest
				}
				return rest
			}
		}
	}
	return prompt
}

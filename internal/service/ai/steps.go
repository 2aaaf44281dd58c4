package ai

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"medibot/internal/models"
)

// MaxStepDescription caps the description kept per parsed step, in runes.
const MaxStepDescription = 300

// ErrMalformedSteps reports step headings whose numbering is duplicated or out
// of order.
var ErrMalformedSteps = errors.New("malformed step list")

var (
	// A heading starts its line, optionally under markdown heading or bold
	// markup, and ends the number with punctuation or closing bold.
	stepPattern   = regexp.MustCompile(`(?im)^[ \t]*(?:#{1,6}[ \t]*)?\*{0,2}[ \t]*Step[ \t]*(\d+)[ \t]*(?:[:.)-]|\*\*)[ \t]*\*{0,2}[ \t]*\[?([^\]\n*]*)\]?[ \t]*\*{0,2}`)
	nextSection   = regexp.MustCompile(`\n\*\*[^S]`)
	leadingMarkup = regexp.MustCompile(`^\*?\*?\s*`)
	thinkingBlock = regexp.MustCompile(`(?s)<thinking>.*?</thinking>`)
	blankLineRun  = regexp.MustCompile(`\n{3,}`)
)

// ParseSteps extracts "Step N: Title" blocks. Only headings at the start of a
// line count, so "repeat step 1" inside a description is plain text. An answer
// without steps yields an empty slice; heading numbers that repeat or go
// backwards are ErrMalformedSteps.
func ParseSteps(answer string) ([]models.Step, error) {
	matches := stepPattern.FindAllStringSubmatchIndex(answer, -1)
	steps := make([]models.Step, 0, len(matches))
	prev := 0
	for i, m := range matches {
		n, err := strconv.Atoi(answer[m[2]:m[3]])
		if err != nil {
			return nil, ErrMalformedSteps
		}
		if n <= prev {
			return nil, ErrMalformedSteps
		}
		prev = n

		start := m[1]
		end := len(answer)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		} else if loc := nextSection.FindStringIndex(answer[start:]); loc != nil {
			end = start + loc[0]
		}
		desc := strings.TrimSpace(answer[start:end])
		desc = leadingMarkup.ReplaceAllString(desc, "")
		if runes := []rune(desc); len(runes) > MaxStepDescription {
			desc = string(runes[:MaxStepDescription])
		}

		steps = append(steps, models.Step{
			Number:      n,
			Title:       strings.Trim(answer[m[4]:m[5]], "*[]: \t"),
			Description: desc,
		})
	}
	return steps, nil
}

// CleanAnswer removes <thinking> blocks, or reformats them as a visible
// section when keepThinking is set.
func CleanAnswer(answer string, keepThinking bool) string {
	if !keepThinking {
		answer = thinkingBlock.ReplaceAllString(answer, "")
	} else {
		answer = strings.ReplaceAll(answer, "<thinking>", "\n\n---\n**My Thinking Process:**\n")
		answer = strings.ReplaceAll(answer, "</thinking>", "\n\n---\n\n")
	}
	answer = blankLineRun.ReplaceAllString(answer, "\n\n")
	return strings.TrimSpace(answer)
}

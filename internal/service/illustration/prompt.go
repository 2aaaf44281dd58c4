package illustration

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"medibot/internal/models"
)

var safetyKeywords = []string{
	"danger", "warning", "caution", "emergency", "avoid",
	"do not", "critical", "immediately", "stop",
}

// Prompt builds the four-panel image prompt for one step.
func Prompt(step models.Step) string {
	return fmt.Sprintf(`Generate a medically informative visual guide using a 2x2 grid layout.

Context:
This image explains Step %[1]d of a medical assistance guide.

Step Description:
"%[2]s: %[3]s"

Grid Requirements:
Each panel must visually represent one sub-direction of the same step:
Top-Left Panel: show the primary action clearly and safely.
Top-Right Panel: show the correct method or technique (posture, tool usage, hand placement).
Bottom-Left Panel: show what NOT to do or common mistakes, using clear visual contrast.
Bottom-Right Panel: show the expected correct outcome or confirmation state.

Visual Style:
- Clear, instructional, non-graphic
- Neutral medical illustration style
- No blood, gore, or invasive depiction
- High clarity, simple background

Restrictions:
- Do not add extra steps
- Do not contradict the step text
- Do not include text-heavy labels

This image must act as a complete visual explanation of Step %[1]d.`,
		step.Number, step.Title, truncate(step.Description, 200))
}

// FallbackFor describes a step in words for when its image is unavailable.
func FallbackFor(step models.Step) models.FallbackText {
	return models.FallbackText{
		Action:  "Primary action for " + step.Title,
		Method:  "How to perform: " + truncate(step.Description, 80) + "...",
		Caution: "Common mistakes to avoid when performing this step.",
		Result:  "Expected outcome when done correctly.",
	}
}

// QueryHash namespaces the objects of one query.
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])[:12]
}

// ObjectKey is the durable key of a step image.
func ObjectKey(queryHash string, stepNumber int, id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("steps/%s/step_%d_%s.png", queryHash, stepNumber, id)
}

// Prioritize returns the indices of the steps to illustrate, in step order.
// The first and last steps always win, then steps mentioning safety keywords.
func Prioritize(steps []models.Step, budget int) []int {
	if budget <= 0 || len(steps) == 0 {
		return nil
	}
	if budget >= len(steps) {
		all := make([]int, len(steps))
		for i := range all {
			all[i] = i
		}
		return all
	}

	selected := map[int]bool{0: true}
	if budget > 1 {
		selected[len(steps)-1] = true
	}

	type scored struct{ idx, score int }
	var rest []scored
	for i, s := range steps {
		if selected[i] {
			continue
		}
		text := strings.ToLower(s.Title + " " + s.Description)
		score := 0
		for _, kw := range safetyKeywords {
			if strings.Contains(text, kw) {
				score++
			}
		}
		rest = append(rest, scored{i, score})
	}
	sort.SliceStable(rest, func(a, b int) bool { return rest[a].score > rest[b].score })
	for _, r := range rest {
		if len(selected) >= budget {
			break
		}
		selected[r.idx] = true
	}

	out := make([]int, 0, len(selected))
	for i := range selected {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

package ai

import "strings"

type topicKeywords struct {
	topic    string
	keywords []string
}

// checked in order; the first topic with a matching keyword wins
var topics = []topicKeywords{
	{"cpr", []string{"cpr", "cardiopulmonary", "chest compression", "cardiac arrest"}},
	{"choking", []string{"choking", "heimlich", "can't breathe", "airway blocked"}},
	{"bleeding", []string{"bleeding", "wound", "cut", "blood", "laceration"}},
	{"burn", []string{"burn", "burned", "scalded"}},
	{"fracture", []string{"fracture", "broken bone", "broken arm", "broken leg"}},
	{"fainting", []string{"fainting", "fainted", "unconscious", "passed out"}},
	{"sprain", []string{"sprain", "twisted", "ankle", "wrist injury"}},
}

var visualKeywords = []string{
	"cpr", "cardiopulmonary", "chest compression", "heimlich",
	"bandage", "wrap", "splint", "immobilize", "position",
	"wound", "cut", "bleeding", "burn", "fracture", "sprain",
	"treat", "treatment", "first aid", "apply", "clean", "dress",
	"choking", "fainting", "unconscious", "recovery position",
	"how to", "steps", "procedure",
}

// DetectTopic returns the first-aid topic of query, or "".
func DetectTopic(query string) string {
	lower := strings.ToLower(query)
	for _, t := range topics {
		for _, kw := range t.keywords {
			if strings.Contains(lower, kw) {
				return t.topic
			}
		}
	}
	return ""
}

// ShouldIllustrate reports whether the exchange describes something visual.
func ShouldIllustrate(query, answer string) bool {
	combined := strings.ToLower(query + " " + answer)
	for _, kw := range visualKeywords {
		if strings.Contains(combined, kw) {
			return true
		}
	}
	return false
}

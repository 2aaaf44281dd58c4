package safety

import (
	"regexp"
	"strings"
)

var medicalKeywords = []string{
	"symptom", "symptoms", "disease", "treat", "treatment", "medication", "medicine",
	"pain", "doctor", "fever", "infection", "diagnosis", "headache", "injury",
	"wound", "burn", "bleeding", "fracture", "allergy", "allergic", "dose", "dosage",
	"blood", "heart", "pregnancy", "pregnant", "vaccine", "cough", "nausea",
	"vomiting", "diabetes", "asthma", "cpr", "first aid", "choking", "rash",
	"sprain", "faint", "fainting", "poison", "health", "medical", "hospital",
	"surgery", "prescription", "pill", "tablet", "flu", "cold", "virus",
}

var medicalPattern = buildWordPattern(medicalKeywords)

func buildWordPattern(words []string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
}

// IsMedicalQuery reports whether query mentions a health topic.
func IsMedicalQuery(query string) bool {
	return medicalPattern.MatchString(query)
}

package ai

import (
	"context"
	"fmt"
	"strings"

	"medibot/internal/models"

	"github.com/cloudwego/eino/schema"
)

// Language codes understood by the translator.
const (
	LangEnglish = "en"
	LangTelugu  = "te"
	LangHindi   = "hi"
)

var languageNames = map[string]string{
	LangEnglish: models.LanguageEnglish,
	LangTelugu:  models.LanguageTelugu,
	LangHindi:   models.LanguageHindi,
}

// LanguageName maps a code to its display name, defaulting to English.
func LanguageName(code string) string {
	if name, ok := languageNames[code]; ok {
		return name
	}
	return models.LanguageEnglish
}

// LanguageCode maps a display name or code to a supported code, defaulting to en.
func LanguageCode(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	for code, display := range languageNames {
		if n == code || n == strings.ToLower(display) {
			return code
		}
	}
	return LangEnglish
}

// DetectLanguage classifies text by the first Telugu or Devanagari rune.
func DetectLanguage(text string) string {
	for _, r := range text {
		switch {
		case r >= 0x0C00 && r <= 0x0C7F:
			return LangTelugu
		case r >= 0x0900 && r <= 0x097F:
			return LangHindi
		}
	}
	return LangEnglish
}

// Translator converts between English and the supported languages using the
// fast model tier.
type Translator struct {
	gen   Generator
	model string
}

func NewTranslator(gen Generator, model string) *Translator {
	return &Translator{gen: gen, model: model}
}

// ToEnglish returns text in English and the detected source language. On
// failure the original text is returned together with the error.
func (t *Translator) ToEnglish(ctx context.Context, text string) (string, string, error) {
	lang := DetectLanguage(text)
	if lang == LangEnglish {
		return text, lang, nil
	}
	out, err := t.translate(ctx, text, LanguageName(lang), models.LanguageEnglish)
	if err != nil {
		return text, lang, err
	}
	return out, lang, nil
}

// FromEnglish translates text into target. English targets are a no-op; on
// failure the English text is returned together with the error.
func (t *Translator) FromEnglish(ctx context.Context, text, target string) (string, error) {
	if target == LangEnglish || strings.TrimSpace(text) == "" {
		return text, nil
	}
	out, err := t.translate(ctx, text, models.LanguageEnglish, LanguageName(target))
	if err != nil {
		return text, err
	}
	return out, nil
}

func (t *Translator) translate(ctx context.Context, text, from, to string) (string, error) {
	msgs := []*schema.Message{
		{
			Role: schema.System,
			Content: fmt.Sprintf("You translate medical text from %s to %s. "+
				"Return only the translation. Keep markdown formatting, step numbering and drug names unchanged.", from, to),
		},
		{
			Role:    schema.User,
			Content: text,
		},
	}
	out, err := t.gen.Generate(ctx, t.model, msgs)
	if err != nil {
		return "", fmt.Errorf("translate %s to %s: %w", from, to, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("translate %s to %s: %w", from, to, ErrEmptyAnswer)
	}
	return out, nil
}

package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"medibot/internal/models"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGenerator struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	calls   [][]*schema.Message
}

func (f *fakeGenerator) Generate(_ context.Context, modelName string, msgs []*schema.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msgs)
	if err := f.errs[modelName]; err != nil {
		return "", err
	}
	return f.replies[modelName], nil
}

func (f *fakeGenerator) Stream(ctx context.Context, modelName string, msgs []*schema.Message, onDelta func(string) error) (string, error) {
	out, err := f.Generate(ctx, modelName, msgs)
	if err != nil {
		return "", err
	}
	for _, word := range strings.SplitAfter(out, " ") {
		if err := onDelta(word); err != nil {
			return "", err
		}
	}
	return out, nil
}

const burnAnswer = `**Understanding Your Situation**
A minor burn damages the top layer of skin.

**Step-by-Step Treatment Guide**

**Step 1: [Cool the Burn]**
Hold the burn under cool running water for 10 to 20 minutes.

**Step 2: [Remove Tight Items]**
Take off rings or tight items before the area swells.

**Step 3: Cover the Burn**
Use a sterile, non-stick bandage.

**Important Warnings**
Do not apply ice. Consult a doctor if the burn is larger than your palm.`

func TestParseSteps(t *testing.T) {
	steps, err := ParseSteps(burnAnswer)
	require.NoError(t, err)
	require.Len(t, steps, 3)

	assert.Equal(t, models.Step{
		Number:      1,
		Title:       "Cool the Burn",
		Description: "Hold the burn under cool running water for 10 to 20 minutes.",
	}, steps[0])
	assert.Equal(t, "Remove Tight Items", steps[1].Title)
	assert.Equal(t, "Cover the Burn", steps[2].Title)
	assert.Equal(t, "Use a sterile, non-stick bandage.", steps[2].Description)
}

func TestParseStepsEdgeCases(t *testing.T) {
	steps, err := ParseSteps("Drink water and rest.")
	require.NoError(t, err)
	assert.Empty(t, steps)

	_, err = ParseSteps("Step 1: Rest\nok\nStep 1: Rest again\nok")
	assert.ErrorIs(t, err, ErrMalformedSteps)

	_, err = ParseSteps("Step 2: Later\nx\nStep 1: Earlier\ny")
	assert.ErrorIs(t, err, ErrMalformedSteps)

	steps, err = ParseSteps("Step 1: Long\n" + strings.Repeat("a", 1000))
	require.NoError(t, err)
	assert.Len(t, []rune(steps[0].Description), MaxStepDescription)

	bleeding := "**Step 1: Apply Pressure**\nPress a clean cloth on the wound.\n\n" +
		"**Step 2: Elevate**\nRaise the limb. If bleeding restarts, repeat step 1.\n\n" +
		"**Step 3: Get Help**\nStep 2 alone is not enough for deep cuts; call a doctor."
	steps, err = ParseSteps(bleeding)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{steps[0].Number, steps[1].Number, steps[2].Number})
	assert.Equal(t, "Elevate", steps[1].Title)
	assert.Contains(t, steps[1].Description, "repeat step 1.")

	steps, err = ParseSteps("### Step 1. Rest\nLie down.\n**Step 2**: Drink water\nSmall sips.")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "Rest", steps[0].Title)
	assert.Equal(t, "Drink water", steps[1].Title)
}

func TestCleanAnswer(t *testing.T) {
	raw := "<thinking>the user burned a hand</thinking>\n\n\n\nCool it with water."
	assert.Equal(t, "Cool it with water.", CleanAnswer(raw, false))

	kept := CleanAnswer(raw, true)
	assert.Contains(t, kept, "My Thinking Process")
	assert.Contains(t, kept, "the user burned a hand")
	assert.NotContains(t, kept, "<thinking>")
}

func TestInvokerAnswer(t *testing.T) {
	gen := &fakeGenerator{replies: map[string]string{"pro": "<thinking>plan</thinking>" + burnAnswer}}
	inv := NewInvoker(gen, nil, nil)

	history := []models.Turn{
		{Role: models.RoleUser, Content: "one"},
		{Role: models.RoleAssistant, Content: "two"},
		{Role: models.RoleUser, Content: "three"},
		{Role: models.RoleAssistant, Content: "four"},
		{Role: models.RoleUser, Content: "five"},
		{Role: models.RoleAssistant, Content: "six"},
	}
	ans, err := inv.Answer(context.Background(), "pro", Prompt{Query: "How do I treat a burn?", History: history})
	require.NoError(t, err)
	assert.Equal(t, "pro", ans.Model)
	assert.NotContains(t, ans.Text, "plan")
	assert.Len(t, ans.Steps, 3)

	require.Len(t, gen.calls, 1)
	msgs := gen.calls[0]
	// system + four most recent turns + query
	require.Len(t, msgs, 6)
	assert.Equal(t, schema.System, msgs[0].Role)
	assert.Equal(t, "three", msgs[1].Content)
	assert.Equal(t, "How do I treat a burn?", msgs[5].Content)
}

func TestInvokerHealthContext(t *testing.T) {
	gen := &fakeGenerator{replies: map[string]string{"pro": "Check with your doctor before taking ibuprofen."}}
	inv := NewInvoker(gen, nil, nil)
	ctx := context.Background()

	summary := "=== USER HEALTH CONTEXT ===\n• Known allergies: Aspirin\n==========================="
	_, err := inv.Answer(ctx, "pro", Prompt{Query: "Can I take ibuprofen?", HealthContext: summary})
	require.NoError(t, err)
	msgs := gen.calls[0]
	require.Len(t, msgs, 3)
	assert.Equal(t, schema.System, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "Known allergies: Aspirin")
	assert.Equal(t, "Can I take ibuprofen?", msgs[2].Content)

	_, err = inv.Answer(ctx, "pro", Prompt{Query: "Can I take ibuprofen?", HealthContext: "  "})
	require.NoError(t, err)
	assert.Len(t, gen.calls[1], 2)
}

func TestInvokerAnswerFailures(t *testing.T) {
	gen := &fakeGenerator{
		replies: map[string]string{"empty": "<thinking>only thoughts</thinking>", "bad": "Step 2: B\nx\nStep 1: A\ny"},
		errs:    map[string]error{"down": errors.New("503 from provider")},
	}
	inv := NewInvoker(gen, nil, nil)
	ctx := context.Background()

	_, err := inv.Answer(ctx, "down", Prompt{Query: "q"})
	assert.EqualError(t, err, "503 from provider")

	_, err = inv.Answer(ctx, "empty", Prompt{Query: "q"})
	assert.ErrorIs(t, err, ErrEmptyAnswer)

	ans, err := inv.Answer(ctx, "bad", Prompt{Query: "q"})
	assert.ErrorIs(t, err, ErrMalformedSteps)
	require.NotNil(t, ans)
	assert.NotEmpty(t, ans.Text)
	assert.Empty(t, ans.Steps)
}

func TestInvokerStreams(t *testing.T) {
	gen := &fakeGenerator{replies: map[string]string{"fast": "Rest and drink water."}}
	inv := NewInvoker(gen, nil, nil)

	var got strings.Builder
	ans, err := inv.Answer(context.Background(), "fast", Prompt{
		Query:   "I feel tired",
		OnDelta: func(s string) error { got.WriteString(s); return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "Rest and drink water.", got.String())
	assert.Equal(t, got.String(), ans.Text)
}

func TestInvokerAttachments(t *testing.T) {
	loader, err := NewAttachmentLoader(context.Background(), nil)
	require.NoError(t, err)
	loader.tmpDir = t.TempDir()

	gen := &fakeGenerator{replies: map[string]string{"pro": "Your report looks normal. Consult your doctor."}}
	inv := NewInvoker(gen, loader, nil)

	_, err = inv.Answer(context.Background(), "pro", Prompt{
		Query: "Explain my report",
		Attachments: []models.Attachment{
			{Filename: "report.txt", Type: AttachmentTypeDocument, Data: base64.StdEncoding.EncodeToString([]byte("Hemoglobin 13.5 g/dL"))},
			{Filename: "xray.png", Type: AttachmentTypeImage, ContentType: "image/png", Data: "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'})},
			{Filename: "broken.txt", Type: AttachmentTypeDocument, Data: "%%%"},
		},
	})
	require.NoError(t, err)

	user := gen.calls[0][len(gen.calls[0])-1]
	require.Len(t, user.MultiContent, 4)
	assert.Equal(t, "Explain my report", user.MultiContent[0].Text)
	assert.Contains(t, user.MultiContent[1].Text, "Hemoglobin 13.5 g/dL")
	require.NotNil(t, user.MultiContent[2].ImageURL)
	assert.True(t, strings.HasPrefix(user.MultiContent[2].ImageURL.URL, "data:image/png;base64,"))
	assert.Contains(t, user.MultiContent[3].Text, "broken.txt")
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, LangEnglish, DetectLanguage("How do I treat a burn?"))
	assert.Equal(t, LangTelugu, DetectLanguage("కాలిన గాయానికి చికిత్స ఎలా?"))
	assert.Equal(t, LangHindi, DetectLanguage("जलने का इलाज कैसे करें?"))

	assert.Equal(t, LangTelugu, LanguageCode("Telugu"))
	assert.Equal(t, LangHindi, LanguageCode("hi"))
	assert.Equal(t, LangEnglish, LanguageCode("Klingon"))
	assert.Equal(t, models.LanguageHindi, LanguageName(LangHindi))
}

func TestTranslator(t *testing.T) {
	gen := &fakeGenerator{replies: map[string]string{"fast": "How do I treat a burn?"}}
	tr := NewTranslator(gen, "fast")
	ctx := context.Background()

	out, lang, err := tr.ToEnglish(ctx, "How do I treat a burn?")
	require.NoError(t, err)
	assert.Equal(t, LangEnglish, lang)
	assert.Equal(t, "How do I treat a burn?", out)
	assert.Empty(t, gen.calls, "english input is not translated")

	out, lang, err = tr.ToEnglish(ctx, "जलने का इलाज कैसे करें?")
	require.NoError(t, err)
	assert.Equal(t, LangHindi, lang)
	assert.Equal(t, "How do I treat a burn?", out)

	failing := NewTranslator(&fakeGenerator{errs: map[string]error{"fast": errors.New("quota")}}, "fast")
	back, err := failing.FromEnglish(ctx, "Cool the burn.", LangTelugu)
	assert.Error(t, err)
	assert.Equal(t, "Cool the burn.", back)

	same, err := failing.FromEnglish(ctx, "Cool the burn.", LangEnglish)
	require.NoError(t, err)
	assert.Equal(t, "Cool the burn.", same)
}

func TestDetectTopic(t *testing.T) {
	assert.Equal(t, "cpr", DetectTopic("How to perform CPR on an adult"))
	assert.Equal(t, "burn", DetectTopic("I got a burn from the stove"))
	assert.Equal(t, "sprain", DetectTopic("twisted my ankle"))
	assert.Equal(t, "", DetectTopic("what is the capital of France"))

	assert.True(t, ShouldIllustrate("how to bandage a cut", ""))
	assert.False(t, ShouldIllustrate("is coffee healthy", "In moderation yes."))
}

func TestToolCallerContext(t *testing.T) {
	ctx := WithToolCaller(context.Background(), "user-1")
	id, ok := ToolCallerFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "user-1", id)

	_, ok = ToolCallerFromContext(WithToolCaller(context.Background(), ""))
	assert.False(t, ok)

	l := newCallerLimiter(2, time.Minute)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestCallerLimiterDropsIdleBuckets(t *testing.T) {
	l := newCallerLimiter(2, time.Minute)
	base := time.Now()
	l.now = func() time.Time { return base }
	for i := 0; i < 50; i++ {
		l.Allow(fmt.Sprintf("guest-%d", i))
	}
	assert.Equal(t, 50, l.size())

	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.True(t, l.Allow("user-1"))
	assert.Equal(t, 1, l.size())
}

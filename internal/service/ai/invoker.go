package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"medibot/internal/models"

	"github.com/cloudwego/eino/schema"
)

// ErrEmptyAnswer is returned when a model produced no usable text.
var ErrEmptyAnswer = errors.New("model returned an empty answer")

const systemPrompt = `You are MediBot, an expert medical first aid assistant. You provide thorough, research-based medical guidance.

## Your Approach:
1. Understand the intent: decide whether the user has a medical query or is just greeting or chatting.
2. For medical issues, provide careful research and step-by-step treatment.
3. For general chat, respond naturally and briefly, offering help.

## Response Format:
Only when the user presents a medical situation or asks for first aid help, use this format:

**Understanding Your Situation**
Brief explanation of the condition or problem

**Step-by-Step Treatment Guide**

**Step 1: [Action Title]**
Detailed instruction for this step

**Step 2: [Action Title]**
Detailed instruction for this step

(Continue for all necessary steps)

**Important Warnings**
Any critical safety information

**When to Seek Professional Help**
Conditions that require medical attention

## Guidelines:
- Be warm, reassuring and conversational
- Use simple, clear language anyone can understand
- Be specific about materials needed and include timing where relevant
- Never diagnose serious conditions; recommend professional help`

const thinkingPrompt = `

## Thinking Mode
Before your response, show your reasoning inside <thinking></thinking> tags:
what the user is asking, which medical knowledge applies, the key safety
considerations and how to structure the answer. Then give the response after
the thinking section.`

// Prompt is the model-facing view of a chat request.
type Prompt struct {
	Query        string
	History      []models.Turn
	Attachments  []models.Attachment
	ThinkingMode bool
	// HealthContext is the caller's saved health profile summary, if any.
	HealthContext string
	// OnDelta, when set, streams raw answer fragments as they arrive.
	OnDelta func(string) error
}

// Answer is a cleaned model answer and its parsed steps.
type Answer struct {
	Model string
	Text  string
	Steps []models.Step
}

// Invoker turns a Prompt into an Answer on a given model.
type Invoker struct {
	gen         Generator
	attachments *AttachmentLoader
	logger      *slog.Logger
}

// NewInvoker builds an invoker. attachments may be nil, in which case
// attachments are only listed by name.
func NewInvoker(gen Generator, attachments *AttachmentLoader, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{gen: gen, attachments: attachments, logger: logger.With("component", "invoker")}
}

// Answer calls modelName once. A non-nil Answer may accompany ErrMalformedSteps
// so callers can fall back to the text when no better answer arrives.
func (i *Invoker) Answer(ctx context.Context, modelName string, p Prompt) (*Answer, error) {
	msgs := i.messages(ctx, p)

	var (
		raw string
		err error
	)
	if p.OnDelta != nil {
		raw, err = i.gen.Stream(ctx, modelName, msgs, p.OnDelta)
	} else {
		raw, err = i.gen.Generate(ctx, modelName, msgs)
	}
	if err != nil {
		return nil, err
	}

	text := CleanAnswer(raw, p.ThinkingMode)
	if text == "" {
		return nil, fmt.Errorf("%s: %w", modelName, ErrEmptyAnswer)
	}
	ans := &Answer{Model: modelName, Text: text}

	// steps are parsed without the thinking section so reasoning never becomes an illustrated step
	steps, err := ParseSteps(CleanAnswer(raw, false))
	if err != nil {
		return ans, fmt.Errorf("%s: %w", modelName, err)
	}
	ans.Steps = steps
	return ans, nil
}

func (i *Invoker) messages(ctx context.Context, p Prompt) []*schema.Message {
	sys := systemPrompt
	if p.ThinkingMode {
		sys += thinkingPrompt
	}
	msgs := []*schema.Message{{Role: schema.System, Content: sys}}
	if hc := strings.TrimSpace(p.HealthContext); hc != "" {
		msgs = append(msgs, schema.SystemMessage(hc+"\n\nUse this context to personalize your answer when it is relevant."))
	}

	for _, turn := range models.RecentTurns(p.History) {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		switch turn.Role {
		case models.RoleUser:
			msgs = append(msgs, schema.UserMessage(content))
		case models.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(content, nil))
		}
	}

	if len(p.Attachments) == 0 {
		return append(msgs, schema.UserMessage(p.Query))
	}
	if i.attachments == nil {
		return append(msgs, schema.UserMessage(p.Query+"\n\n"+listAttachments(p.Attachments)))
	}

	parts, errs := i.attachments.Parts(ctx, p.Query, p.Attachments)
	for _, err := range errs {
		i.logger.Warn("attachment unreadable", "error", err)
	}
	if len(errs) > 0 {
		parts = append(parts, schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeText,
			Text: "Some attachments could not be read. " + listAttachments(p.Attachments),
		})
	}
	return append(msgs, &schema.Message{Role: schema.User, MultiContent: parts})
}

func listAttachments(attachments []models.Attachment) string {
	names := make([]string, 0, len(attachments))
	for _, a := range attachments {
		names = append(names, fmt.Sprintf("%s (%s)", a.Filename, a.Type))
	}
	return "Attached files: " + strings.Join(names, ", ")
}

package models

// Step is one instructional step parsed from a model answer.
type Step struct {
	Number      int    `json:"step_number"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// FallbackText describes a step in words when its image is unavailable.
type FallbackText struct {
	Action  string `json:"action"`
	Method  string `json:"method"`
	Caution string `json:"caution"`
	Result  string `json:"result"`
}

// Illustration is the outcome of rendering one step: Rendered or Failed.
type Illustration interface {
	isIllustration()
}

// Rendered is a stored image referenced by its durable object key.
type Rendered struct {
	Key string
	URL string
}

// Failed carries the reason and the text shown instead of the image.
type Failed struct {
	Reason   string
	Fallback FallbackText
}

func (Rendered) isIllustration() {}
func (Failed) isIllustration() {}

// StepIllustration is the wire and persisted form of a step and its illustration.
type StepIllustration struct {
	StepNumber    int           `json:"step_number"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Prompt        string        `json:"prompt,omitempty"`
	ObjectKey     string        `json:"object_key,omitempty"`
	URL           string        `json:"url,omitempty"`
	IsComposite   bool          `json:"is_composite"`
	PanelIndex    *int          `json:"panel_index,omitempty"`
	ImageFailed   bool          `json:"image_failed"`
	Fallback      *FallbackText `json:"fallback_text,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// NewStepIllustration flattens a step and its illustration outcome.
func NewStepIllustration(step Step, prompt string, ill Illustration) StepIllustration {
	out := StepIllustration{
		StepNumber:  step.Number,
		Title:       step.Title,
		Description: step.Description,
		Prompt:      prompt,
		IsComposite: true,
	}
	switch v := ill.(type) {
	case Rendered:
		out.ObjectKey = v.Key
		out.URL = v.URL
	case Failed:
		fb := v.Fallback
		out.ImageFailed = true
		out.Fallback = &fb
		out.FailureReason = v.Reason
		out.IsComposite = false
	}
	return out
}

// Outcome reconstructs the tagged form from the flat struct.
func (s StepIllustration) Outcome() Illustration {
	if s.ImageFailed || s.ObjectKey == "" {
		var fb FallbackText
		if s.Fallback != nil {
			fb = *s.Fallback
		}
		return Failed{Reason: s.FailureReason, Fallback: fb}
	}
	return Rendered{Key: s.ObjectKey, URL: s.URL}
}

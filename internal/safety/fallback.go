package safety

// Fallback reasons.
const (
	FallbackSafety = "safety"
	FallbackError  = "error"
	FallbackQuota  = "quota"
)

var fallbacks = map[string]string{
	FallbackSafety: "I'm not able to provide that information safely. " +
		"Please consult a doctor or another qualified healthcare professional about your situation. " +
		"If this is an emergency, contact your local emergency services immediately.",
	FallbackError: "I apologize, but I couldn't process your request right now. " +
		"Please try again in a moment. If you need urgent help, contact a healthcare professional.",
	FallbackQuota: "Guest trial limit reached. Please sign up for unlimited access.",
}

// Fallback returns the canned response for reason; unknown reasons get the error response.
func Fallback(reason string) string {
	if msg, ok := fallbacks[reason]; ok {
		return msg
	}
	return fallbacks[FallbackError]
}

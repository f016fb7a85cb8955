package llm

import "strings"

// Style selects the tone of the generated apology.
type Style string

const (
	StyleGentle     Style = "gentle"
	StyleFormal     Style = "formal"
	StyleEmpathetic Style = "empathetic"
)

// Valid reports whether the style is one of the supported values.
func (s Style) Valid() bool {
	switch s {
	case StyleGentle, StyleFormal, StyleEmpathetic:
		return true
	}
	return false
}

// SystemPrompt returns the provider instruction for the style.
func (s Style) SystemPrompt() string {
	base := "You are someone who has upset the user and is now apologizing to them. " +
		"Respond to what the user says with a sincere apology that addresses their " +
		"specific complaint. Stay in character; never explain that you are an AI. "
	switch s {
	case StyleFormal:
		return base + "Keep a formal, respectful register, acknowledge the mistake " +
			"precisely and commit to concrete amends."
	case StyleEmpathetic:
		return base + "Lead with the user's feelings: name what they must be going " +
			"through before explaining yourself, and keep the focus on them."
	default:
		return base + "Use a gentle, warm tone, soft wording and short sentences."
	}
}

var emotionKeywords = []struct {
	emotion  string
	keywords []string
}{
	{"regretful", []string{"regret", "my fault", "i was wrong", "shouldn't have"}},
	{"hopeful", []string{"next time", "promise", "make it up", "going forward", "won't happen again"}},
	{"sincere", []string{"sorry", "apologize", "forgive"}},
}

// classifyEmotion derives a coarse emotion label from the reply text.
func classifyEmotion(reply string) string {
	lower := strings.ToLower(reply)
	for _, entry := range emotionKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.emotion
			}
		}
	}
	return "neutral"
}

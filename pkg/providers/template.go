package providers

import (
	"context"
	"regexp"
	"strings"

	"github.com/dotsetgreg/dotmemory/pkg/config"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
)

var (
	greetingPattern   = regexp.MustCompile(`(?i)\b(hello|hi|hey)\b`)
	callTomorrow      = regexp.MustCompile(`(?i)\bcall\b.*\btomorrow\b|\btomorrow\b.*\bcall\b`)
	languagePattern   = regexp.MustCompile(`(?i)\blanguage\b`)
	introducePattern  = regexp.MustCompile(`(?i)\bmy\s+name\s+is\b|\bcall\s+me\b`)
	availabilityValue = regexp.MustCompile(`(?i)^(?:User is (?:only )?available|Time constraint:)\s+(.+)$`)
	nameValue         = regexp.MustCompile(`^(?:User wants to be called|User's name is)\s+(.+)$`)
)

// TemplateResponder answers from a fixed set of rules. It needs no network
// and is the default so the memory pipeline can run offline.
type TemplateResponder struct{}

func NewTemplateResponder() *TemplateResponder { return &TemplateResponder{} }

func (TemplateResponder) Respond(ctx context.Context, message string, memories []memory.ScoredMemory) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch {
	case callTomorrow.MatchString(message):
		if when := rememberedAvailability(memories); when != "" {
			return "I'll make sure to call you tomorrow " + when + " as you preferred.", nil
		}
		return "I'll call you tomorrow. What time works best for you?", nil

	case languagePattern.MatchString(message):
		return "I'll remember your language preference for our future conversations.", nil

	case introducePattern.MatchString(message):
		return "Got it! I'll remember that.", nil

	case greetingPattern.MatchString(message):
		if name := rememberedName(memories); name != "" {
			return "Hello " + name + "! How can I help you today?", nil
		}
		return "Hello! How can I help you today?", nil
	}

	if len(memories) > 0 {
		return "I understand. Based on what I remember about you, I'll keep that in mind. How else can I assist you?", nil
	}
	return "I understand. How can I help you with that?", nil
}

func rememberedAvailability(memories []memory.ScoredMemory) string {
	for _, m := range memories {
		if m.Type != memory.TypeConstraint {
			continue
		}
		if match := availabilityValue.FindStringSubmatch(m.Content); match != nil {
			return strings.TrimSpace(match[1])
		}
	}
	return ""
}

// rememberedName prefers how the user asked to be addressed over their name.
func rememberedName(memories []memory.ScoredMemory) string {
	var name string
	for _, m := range memories {
		match := nameValue.FindStringSubmatch(m.Content)
		if match == nil {
			continue
		}
		if m.Type == memory.TypePreference {
			return strings.TrimSpace(match[1])
		}
		if name == "" {
			name = strings.TrimSpace(match[1])
		}
	}
	return name
}

func init() {
	RegisterResponder(ProviderTemplate, func(*config.Config) (Responder, error) {
		return NewTemplateResponder(), nil
	}, nil)
}

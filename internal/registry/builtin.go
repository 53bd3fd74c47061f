package registry

// defaultTemplate is the prompt every handler starts from unless it ships its
// own. Variables are expanded per message by the prompt package.
const defaultTemplate = "You are {MODEL_ID} chatting with {USERNAME} (user id {DISCORD_USER_ID}). " +
	"It's {TIME} in {TZ}. You are in the server {SERVER_NAME}, channel {CHANNEL_NAME}; " +
	"stay on the channel's general topic when possible. Keep it positive, but enforce boundaries when the situation demands it."

const crisisTemplate = "You are {MODEL_ID}, an empathetic support presence talking with {USERNAME}. " +
	"It's {TIME} in {TZ}. The user may be in distress. Respond calmly and supportively, " +
	"take every expression of distress seriously, and always mention that trained help is " +
	"available through local crisis lines."

// Builtins returns the shipped handler set. Ministral is the default
// fallback; exactly one descriptor carries Default.
func Builtins() []Descriptor {
	return []Descriptor{
		{
			ID:          "sydney",
			DisplayName: "Sydney",
			Tier:        TierCrisis,
			Confidence:  1.0,
			TriggerKeywords: []string{
				"suicide", "suicidal", "kill myself", "self-harm", "self harm",
				"hurt myself", "end it all", "can't cope", "cant cope",
				"want to die", "crisis", "emergency",
			},
			Capabilities:   []string{CapCrisis},
			PromptTemplate: crisisTemplate,
			Provider:       "openrouter",
			Model:          "openpipe:Sydney-Court",
		},
		{
			ID:          "warden",
			DisplayName: "Warden",
			Tier:        TierSafety,
			Confidence:  0.9,
			TriggerKeywords: []string{
				"nsfw", "gore", "doxx", "harassment", "report this", "moderate",
			},
			PromptTemplate: defaultTemplate,
			Provider:       "openrouter",
			Model:          "mistralai/ministral-8b",
		},
		{
			ID:          "llama-vision",
			DisplayName: "Llama-Vision",
			Tier:        TierContentType,
			Confidence:  0.9,
			TriggerKeywords: []string{
				"llama", "look at this image", "what's in this picture",
			},
			Capabilities:   []string{CapVision},
			PromptTemplate: defaultTemplate,
			Provider:       "openrouter",
			Model:          "meta-llama/llama-3.2-11b-vision-instruct",
		},
		{
			ID:          "gemini",
			DisplayName: "Gemini",
			Tier:        TierReasoning,
			Confidence:  0.8,
			TriggerKeywords: []string{
				"gemini", "analyze", "formal analysis", "step by step", "reason through",
			},
			PromptTemplate: defaultTemplate,
			Provider:       "openrouter",
			Model:          "google/gemini-pro-1.5",
		},
		{
			ID:          "magnum",
			DisplayName: "Magnum",
			Tier:        TierReasoning,
			Confidence:  0.6,
			TriggerKeywords: []string{
				"magnum", "what do you think", "thoughts on",
			},
			PromptTemplate: defaultTemplate,
			Provider:       "openrouter",
			Model:          "anthracite-org/magnum-v4-72b",
		},
		{
			ID:          "nemotron",
			DisplayName: "Nemotron",
			Tier:        TierDomain,
			Confidence:  0.8,
			TriggerKeywords: []string{
				"nemotron", "code", "function", "debug", "stack trace", "compile", "refactor",
			},
			Capabilities:   []string{CapCode},
			PromptTemplate: defaultTemplate,
			Provider:       "openrouter",
			Model:          "nvidia/llama-3.1-nemotron-70b-instruct",
		},
		{
			ID:          "sonar",
			DisplayName: "Sonar",
			Tier:        TierDomain,
			Confidence:  0.7,
			TriggerKeywords: []string{
				"sonar", "latest news", "current events", "trending", "what happened today",
			},
			Capabilities:   []string{CapSearch},
			PromptTemplate: defaultTemplate,
			Provider:       "openrouter",
			Model:          "perplexity/llama-3.1-sonar-large-128k-online",
		},
		{
			ID:          "sorcerer",
			DisplayName: "Sorcerer",
			Tier:        TierCreative,
			Confidence:  0.7,
			TriggerKeywords: []string{
				"sorcerer", "story", "roleplay", "write a scene", "character", "dream",
			},
			PromptTemplate: defaultTemplate,
			Provider:       "openrouter",
			Model:          "raifle/sorcererlm-8x22b",
		},
		{
			ID:          "haiku",
			DisplayName: "Claude-3-Haiku",
			Tier:        TierDetail,
			Confidence:  0.6,
			TriggerKeywords: []string{
				"haiku", "summarize", "tldr", "tl;dr", "short version",
			},
			PromptTemplate: defaultTemplate,
			Provider:       "openrouter",
			Model:          "anthropic/claude-3-haiku:beta",
		},
		{
			ID:             "ministral",
			DisplayName:    "Ministral",
			Tier:           TierGeneral,
			Confidence:     0.5,
			Default:        true,
			PromptTemplate: defaultTemplate,
			Provider:       "openrouter",
			Model:          "mistralai/ministral-8b",
		},
	}
}

package models

import "sort"

// Preset is a named, ready-made system prompt selectable with the
// system-prompt command.
type Preset struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Prompt      string `json:"prompt"`
}

var presets = map[string]Preset{
	"assistant": {
		Key:         "assistant",
		Name:        "Assistant",
		Description: "General-purpose helpful assistant.",
		Prompt:      "You are a helpful AI assistant. Assist the user best to your ability.",
	},
	"programmer": {
		Key:         "programmer",
		Name:        "Programmer",
		Description: "Senior software engineer focused on code and short explanations.",
		Prompt: "You are an experienced software engineer. Answer programming questions " +
			"with working code and short explanations. Use code blocks for all code.",
	},
	"translator": {
		Key:         "translator",
		Name:        "Translator",
		Description: "Translates messages, preserving tone and formatting.",
		Prompt: "You are a translator. Detect the language of the user's message and " +
			"translate it to English, or to the language the user asks for. Preserve " +
			"tone and formatting, and do not add commentary.",
	},
	"summarizer": {
		Key:         "summarizer",
		Name:        "Summarizer",
		Description: "Summarizes long messages into a few bullet points.",
		Prompt: "You summarize whatever the user sends into a handful of concise " +
			"bullet points. Keep the key facts, drop the filler.",
	},
}

func GetPreset(key string) (Preset, bool) {
	preset, exists := presets[key]
	return preset, exists
}

// PresetKeys returns all preset keys in stable order, for help output.
func PresetKeys() []string {
	keys := make([]string, 0, len(presets))
	for key := range presets {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

package models

// User holds a Discord user's system prompt and generation parameters.
// Nil parameters are not sent to the inference server, which then falls
// back to its own defaults.
type User struct {
	ID           int64  `json:"id"`
	SystemPrompt string `json:"system_prompt"`

	Temperature      *float64 `json:"temperature,omitempty"`
	DynatempRange    *float64 `json:"dynatemp_range,omitempty"`
	DynatempExponent *float64 `json:"dynatemp_exponent,omitempty"`
	TopK             *int64   `json:"top_k,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	MinP             *float64 `json:"min_p,omitempty"`
	NPredict         *int64   `json:"n_predict,omitempty"`
	NKeep            *int64   `json:"n_keep,omitempty"`
	TfsZ             *float64 `json:"tfs_z,omitempty"`
	TypicalP         *float64 `json:"typical_p,omitempty"`
	RepeatPenalty    *float64 `json:"repeat_penalty,omitempty"`
	RepeatLastN      *int64   `json:"repeat_last_n,omitempty"`
	PenalizeNL       *bool    `json:"penalize_nl,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	Mirostat         *int64   `json:"mirostat,omitempty"`
	MirostatTau      *float64 `json:"mirostat_tau,omitempty"`
	MirostatEta      *float64 `json:"mirostat_eta,omitempty"`
	Seed             *int64   `json:"seed,omitempty"`
	Samplers         *string  `json:"samplers,omitempty"`
}

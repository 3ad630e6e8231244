package model

import "time"

// Option is a single tunable with an activation flag. Only activated options
// are sent to a provider.
type Option[T any] struct {
	Value     T    `json:"value" yaml:"value"`
	Activated bool `json:"activated" yaml:"activated"`
}

// OptionSet is a named bundle of generation options for one (provider, model).
type OptionSet struct {
	Name          string          `json:"name" yaml:"name" validate:"required"`
	Provider      string          `json:"provider" yaml:"provider" validate:"required"`
	Model         string          `json:"model" yaml:"model" validate:"required"`
	Temperature   Option[float32] `json:"temperature" yaml:"temperature"`
	TopP          Option[float32] `json:"top_p" yaml:"top_p"`
	Seed          Option[int]     `json:"seed" yaml:"seed"`
	RepeatPenalty Option[float32] `json:"repeat_penalty" yaml:"repeat_penalty"`
	MaxTokens     Option[int]     `json:"max_tokens" yaml:"max_tokens"`
	Flags         map[string]bool `json:"flags,omitempty" yaml:"flags,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at" yaml:"-"`
}

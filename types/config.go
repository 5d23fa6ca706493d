package types

import (
	"fmt"

	"github.com/langgraph-go/stategraph/constants"
)

// RunnableConfig represents configuration for one invocation.
type RunnableConfig struct {
	// SessionID selects the checkpoint partition. Empty means no persistence.
	SessionID string

	// MaxSteps is the maximum number of node executions before raising
	// StepBudgetExceededError.
	MaxSteps int

	// OnNodeError is the policy for nodes registered without one.
	OnNodeError ErrorPolicy

	// Tags for the execution
	Tags []string

	// Metadata is copied into every checkpoint the run writes.
	Metadata map[string]interface{}

	// RunID is a unique identifier for this run
	RunID string
}

// NewRunnableConfig creates a new RunnableConfig with defaults.
func NewRunnableConfig() *RunnableConfig {
	return &RunnableConfig{
		MaxSteps:    constants.DefaultMaxSteps,
		OnNodeError: ErrorPolicy(constants.DefaultOnNodeError),
		Tags:        make([]string, 0),
		Metadata:    make(map[string]interface{}),
	}
}

// Validate checks the configuration surface.
func (c *RunnableConfig) Validate() error {
	if c.MaxSteps < 1 {
		return fmt.Errorf("max_steps must be at least 1, got %d", c.MaxSteps)
	}
	if !c.OnNodeError.Valid() {
		return fmt.Errorf("unknown on_node_error %q", c.OnNodeError)
	}
	return nil
}

// Merge merges another config into this one. Zero fields of other are ignored.
func (c *RunnableConfig) Merge(other *RunnableConfig) *RunnableConfig {
	if other == nil {
		return c
	}
	if other.SessionID != "" {
		c.SessionID = other.SessionID
	}
	if other.MaxSteps > 0 {
		c.MaxSteps = other.MaxSteps
	}
	if other.OnNodeError != "" {
		c.OnNodeError = other.OnNodeError
	}
	c.Tags = append(c.Tags, other.Tags...)
	if c.Metadata == nil {
		c.Metadata = make(map[string]interface{})
	}
	for k, v := range other.Metadata {
		c.Metadata[k] = v
	}
	if other.RunID != "" {
		c.RunID = other.RunID
	}
	return c
}

// WithSessionID sets the session id.
func (c *RunnableConfig) WithSessionID(sessionID string) *RunnableConfig {
	c.SessionID = sessionID
	return c
}

// WithMaxSteps sets the step budget.
func (c *RunnableConfig) WithMaxSteps(n int) *RunnableConfig {
	c.MaxSteps = n
	return c
}

// WithOnNodeError sets the default node error policy.
func (c *RunnableConfig) WithOnNodeError(p ErrorPolicy) *RunnableConfig {
	c.OnNodeError = p
	return c
}

// WithTags sets the tags.
func (c *RunnableConfig) WithTags(tags ...string) *RunnableConfig {
	c.Tags = tags
	return c
}

// WithMetadata sets the metadata.
func (c *RunnableConfig) WithMetadata(metadata map[string]interface{}) *RunnableConfig {
	c.Metadata = metadata
	return c
}

// WithRunID sets the run id.
func (c *RunnableConfig) WithRunID(runID string) *RunnableConfig {
	c.RunID = runID
	return c
}

// EnsureConfig ensures a config is not nil.
func EnsureConfig(config *RunnableConfig) *RunnableConfig {
	if config == nil {
		return NewRunnableConfig()
	}
	return config
}

// MergeConfigs merges multiple configs over the defaults.
func MergeConfigs(configs ...*RunnableConfig) *RunnableConfig {
	result := NewRunnableConfig()
	for _, config := range configs {
		result.Merge(config)
	}
	return result
}

// Package dialogue drives multi-agent conversations: single-agent chat,
// two-scholar discussion closed by a summariser, and pro/con debate scored
// by a judge. One engine run owns one dialogue from first prompt to
// persisted transcript.
package dialogue

import (
	"fmt"
	"time"
)

// Mode selects the dialogue shape.
type Mode string

const (
	ModeChat       Mode = "chat"
	ModeDiscussion Mode = "discussion"
	ModeDebate     Mode = "debate"
)

// Role identifies an agent's part in the dialogue.
type Role string

const (
	RoleChatAssistant Role = "chat-assistant"
	RoleScholarA      Role = "scholar-a"
	RoleScholarB      Role = "scholar-b"
	RoleSummariser    Role = "summariser"
	RolePro           Role = "pro"
	RoleCon           Role = "con"
	RoleJudge         Role = "judge"
)

// Agent binds a role to a provider and model.
type Agent struct {
	Role     Role
	Provider string
	Model    string
}

// Label renders the provider/model pair used in history records.
func (a Agent) Label() string {
	return a.Provider + "/" + a.Model
}

// Spec describes one dialogue run.
type Spec struct {
	Mode  Mode
	Topic string

	// Topics runs a debate serially over several motions. When set it
	// takes precedence over Topic. Ignored outside debate mode.
	Topics []string

	// Agents in speaking order. Chat takes one agent; discussion and
	// debate take two speakers plus the closing third agent.
	Agents []Agent

	Rounds      int
	Temperature float32

	// TimeLimit caps the whole dialogue. Zero means no deadline.
	TimeLimit time.Duration

	// Input supplies the user's turns in chat mode. The engine suspends
	// on it between assistant turns.
	Input <-chan string
}

// Validate checks structural requirements before a run starts.
func (s *Spec) Validate() error {
	if s.Rounds < 1 {
		return fmt.Errorf("dialogue: rounds must be >= 1, got %d", s.Rounds)
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		return fmt.Errorf("dialogue: temperature must be in [0, 2], got %v", s.Temperature)
	}

	switch s.Mode {
	case ModeChat:
		if len(s.Agents) != 1 {
			return fmt.Errorf("dialogue: chat needs exactly 1 agent, got %d", len(s.Agents))
		}
		if s.Input == nil {
			return fmt.Errorf("dialogue: chat needs an input channel")
		}
	case ModeDiscussion, ModeDebate:
		if len(s.Agents) != 3 {
			return fmt.Errorf("dialogue: %s needs exactly 3 agents, got %d", s.Mode, len(s.Agents))
		}
		if s.Topic == "" && len(s.topics()) == 0 {
			return fmt.Errorf("dialogue: %s needs a topic", s.Mode)
		}
	default:
		return fmt.Errorf("dialogue: unknown mode %q", s.Mode)
	}
	return nil
}

// topics normalizes the serial topic list.
func (s *Spec) topics() []string {
	if len(s.Topics) > 0 {
		return s.Topics
	}
	if s.Topic != "" {
		return []string{s.Topic}
	}
	return nil
}

package dialogue

import "github.com/hrygo/colloquy/config"

// Built-in prompt defaults. Config and environment override these per the
// keys in the config package.
const (
	defaultChatPrompt = "You are a helpful, knowledgeable assistant. Answer clearly and concisely."

	defaultDiscussionCommon = "You are taking part in a scholarly discussion. " +
		"Engage with your counterpart's points directly, build on what is sound and challenge what is not. " +
		"Keep each contribution focused."
	defaultScholarA = "You are Scholar A. Open each round with a substantive position on the topic and respond to Scholar B's latest points."
	defaultScholarB = "You are Scholar B. Examine Scholar A's reasoning critically and add perspectives the discussion is missing."
	defaultSummariserPrompt = "You are the expert moderator. Read the full discussion and deliver a closing synthesis: " +
		"the main lines of argument, the points of agreement and the open disagreements."

	defaultDebateCommon = "You are taking part in a formal debate. Argue your assigned side with evidence and logic. " +
		"Address your opponent's strongest points head-on. Do not concede your position."
	defaultProPrompt = "You argue FOR the motion. Present affirmative arguments and rebut the opposition."
	defaultConPrompt = "You argue AGAINST the motion. Present negative arguments and rebut the proposition."

	defaultJudgePrompt = "You are the debate judge. Evaluate both sides on argumentation, structure, " +
		"persuasiveness, and factual/ethical grounding. Respond exactly in this format:\n" +
		"【Summary】\n" +
		"<bullets per side, then 2-3 key clash points>\n" +
		"【Scores】\n" +
		"Pro : argumentation/30, structure/20, persuasiveness/30, facts&ethics/20 = X/100\n" +
		"Con : argumentation/30, structure/20, persuasiveness/30, facts&ethics/20 = Y/100\n" +
		"【Verdict】\n" +
		"Winner: pro|con\n" +
		"Rationale: <2-3 sentences>"
)

// Prompts assembles per-role system prompts as common prompt plus role
// prompt, newline-joined. A nil config store yields the built-in defaults.
type Prompts struct {
	cfg *config.Store
}

// NewPrompts creates a prompt source backed by cfg. cfg may be nil.
func NewPrompts(cfg *config.Store) *Prompts {
	return &Prompts{cfg: cfg}
}

// For returns the assembled system prompt for a role in a mode.
func (p *Prompts) For(mode Mode, role Role) string {
	common := p.get(commonKey(mode), commonDefault(mode))
	rolePart := ""
	if key, def, ok := roleKey(mode, role); ok {
		rolePart = p.get(key, def)
	}
	if rolePart == "" {
		return common
	}
	return common + "\n" + rolePart
}

func (p *Prompts) get(key, def string) string {
	if p.cfg == nil {
		return def
	}
	return p.cfg.GetString(key, def)
}

func commonKey(mode Mode) string {
	switch mode {
	case ModeChat:
		return "chat.system_prompt"
	case ModeDiscussion:
		return "discussion.system_prompt"
	case ModeDebate:
		return "debate.system_prompt"
	}
	return ""
}

func commonDefault(mode Mode) string {
	switch mode {
	case ModeChat:
		return defaultChatPrompt
	case ModeDiscussion:
		return defaultDiscussionCommon
	case ModeDebate:
		return defaultDebateCommon
	}
	return ""
}

func roleKey(mode Mode, role Role) (key, def string, ok bool) {
	switch {
	case mode == ModeDiscussion && role == RoleScholarA:
		return "discussion.ai1_prompt", defaultScholarA, true
	case mode == ModeDiscussion && role == RoleScholarB:
		return "discussion.ai2_prompt", defaultScholarB, true
	case mode == ModeDiscussion && role == RoleSummariser:
		return "discussion.expert_ai3_prompt", defaultSummariserPrompt, true
	case mode == ModeDebate && role == RolePro:
		return "debate.ai1_prompt", defaultProPrompt, true
	case mode == ModeDebate && role == RoleCon:
		return "debate.ai2_prompt", defaultConPrompt, true
	case mode == ModeDebate && role == RoleJudge:
		return "debate.judge_ai3_prompt", defaultJudgePrompt, true
	}
	return "", "", false
}

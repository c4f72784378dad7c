package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hrygo/colloquy/history"
	"github.com/hrygo/colloquy/llm"
)

// ClientFunc resolves a provider tag to a ready chat client.
type ClientFunc func(provider string) (llm.Client, error)

// Engine runs dialogue specs against resolved LLM clients and persists
// transcripts to the history store.
type Engine struct {
	resolve ClientFunc
	prompts *Prompts
	hist    *history.Store

	now func() time.Time
}

// NewEngine wires an engine. hist may be nil to skip persistence; a nil
// prompts source falls back to the built-in prompts.
func NewEngine(resolve ClientFunc, prompts *Prompts, hist *history.Store) *Engine {
	if prompts == nil {
		prompts = NewPrompts(nil)
	}
	return &Engine{resolve: resolve, prompts: prompts, hist: hist, now: time.Now}
}

// Run drives one dialogue to completion, emitting events in speaking order.
// It closes the events channel on return; the finished event is always last.
// Completed turns are persisted even when the run ends early.
func (e *Engine) Run(ctx context.Context, spec Spec, events chan<- Event) {
	defer close(events)

	if err := spec.Validate(); err != nil {
		e.send(ctx, events, Event{Kind: EventError, ErrKind: llm.KindBadRequest, Text: err.Error()})
		e.send(ctx, events, Event{Kind: EventFinished, Reason: FinishError})
		return
	}

	if spec.TimeLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.TimeLimit)
		defer cancel()
	}

	start := e.now()
	tr := &transcript{}

	var runErr error
	switch spec.Mode {
	case ModeChat:
		runErr = e.runChat(ctx, spec, tr, events)
	case ModeDiscussion:
		runErr = e.runDiscussion(ctx, spec, tr, events)
	case ModeDebate:
		runErr = e.runDebate(ctx, spec, tr, events)
	}

	reason := FinishCompleted
	if runErr != nil {
		switch llm.KindOf(runErr) {
		case llm.KindCancelled:
			reason = FinishCancelled
		case llm.KindDeadline:
			reason = FinishDeadline
		default:
			reason = FinishError
			e.send(ctx, events, Event{Kind: EventError, ErrKind: llm.KindOf(runErr), Text: runErr.Error()})
		}
	}

	e.persist(spec, tr, start)
	e.send(ctx, events, Event{Kind: EventFinished, Reason: reason})
}

func (e *Engine) persist(spec Spec, tr *transcript, start time.Time) {
	if e.hist == nil || len(tr.blocks) == 0 {
		return
	}
	e.hist.Add(buildRecord(spec, tr.render(), start, e.now()))
	if err := e.hist.Save(); err != nil {
		slog.Error("failed to save dialogue history", "error", err)
	}
}

// send emits one event, staying cancellable while back-pressured: a full
// channel with a cancelled context returns false instead of blocking, so a
// consumer that stopped draining cannot wedge the run. The buffered fast
// path keeps delivery best-effort after cancellation for consumers that are
// still draining.
func (e *Engine) send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	default:
	}
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// budget reports the classified context error, if any. Checked before every
// turn so a lapsed deadline or cancellation stops the dialogue between
// speakers, not only inside a streaming call.
func budget(ctx context.Context) error {
	switch {
	case ctx.Err() == nil:
		return nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &llm.Error{Kind: llm.KindDeadline, Err: ctx.Err()}
	default:
		return &llm.Error{Kind: llm.KindCancelled, Err: ctx.Err()}
	}
}

// turn runs one streaming completion, forwarding deltas, and returns the
// full utterance. The transcript gains the utterance only on success.
func (e *Engine) turn(ctx context.Context, spec Spec, agent Agent, client llm.Client, ledger []llm.Message, tr *transcript, events chan<- Event) (string, error) {
	ok := e.send(ctx, events, Event{
		Kind: EventStatus,
		Role: agent.Role,
		Text: fmt.Sprintf("%s speaking via %s", agent.Role, agent.Label()),
	})
	if !ok {
		return "", budget(ctx)
	}

	contentCh, errCh := client.ChatStream(ctx, llm.Request{
		Messages:    ledger,
		Model:       agent.Model,
		Temperature: spec.Temperature,
	})

	var full strings.Builder
	for delta := range contentCh {
		full.WriteString(delta)
		if !e.send(ctx, events, Event{Kind: EventStreamDelta, Role: agent.Role, Text: delta}) {
			// The producing client stops on the same context.
			return "", budget(ctx)
		}
	}
	if err := <-errCh; err != nil {
		return "", err
	}

	text := full.String()
	tr.addUtterance(agent.Role, text)
	if !e.send(ctx, events, Event{Kind: EventTurnComplete, Role: agent.Role, Text: text}) {
		// Text fully arrived, so the transcript keeps it even though the
		// consumer is gone.
		return "", budget(ctx)
	}
	return text, nil
}

func (e *Engine) client(agent Agent) (llm.Client, error) {
	c, err := e.resolve(agent.Provider)
	if err != nil {
		return nil, &llm.Error{Kind: llm.KindBadRequest, Provider: agent.Provider, Err: err}
	}
	return c, nil
}

// runChat alternates user input with assistant turns for up to Rounds
// exchanges. A closed input channel ends the chat cleanly before the cap.
func (e *Engine) runChat(ctx context.Context, spec Spec, tr *transcript, events chan<- Event) error {
	agent := spec.Agents[0]
	client, err := e.client(agent)
	if err != nil {
		return err
	}

	ledger := []llm.Message{llm.SystemPrompt(e.prompts.For(ModeChat, agent.Role))}
	for i := 0; i < spec.Rounds; i++ {
		var input string
		select {
		case in, ok := <-spec.Input:
			if !ok {
				return nil
			}
			input = in
		case <-ctx.Done():
			return budget(ctx)
		}

		ledger = append(ledger, llm.UserMessage(input))
		tr.addUtterance("user", input)

		text, err := e.turn(ctx, spec, agent, client, ledger, tr, events)
		if err != nil {
			return err
		}
		ledger = append(ledger, llm.AssistantMessage(text))
	}
	return nil
}

// runDiscussion alternates the two scholars for Rounds rounds, then hands
// the whole exchange to the summariser for a closing synthesis.
func (e *Engine) runDiscussion(ctx context.Context, spec Spec, tr *transcript, events chan<- Event) error {
	a, b, closer := spec.Agents[0], spec.Agents[1], spec.Agents[2]
	clientA, err := e.client(a)
	if err != nil {
		return err
	}
	clientB, err := e.client(b)
	if err != nil {
		return err
	}
	clientC, err := e.client(closer)
	if err != nil {
		return err
	}

	opening := "The discussion topic is: " + spec.Topic
	ledgerA := []llm.Message{llm.SystemPrompt(e.prompts.For(ModeDiscussion, a.Role)), llm.UserMessage(opening)}
	ledgerB := []llm.Message{llm.SystemPrompt(e.prompts.For(ModeDiscussion, b.Role)), llm.UserMessage(opening)}

	for round := 0; round < spec.Rounds; round++ {
		if err := budget(ctx); err != nil {
			return err
		}
		text, err := e.turn(ctx, spec, a, clientA, ledgerA, tr, events)
		if err != nil {
			return err
		}
		ledgerA = append(ledgerA, llm.AssistantMessage(text))
		ledgerB = append(ledgerB, llm.UserMessage(text))

		if err := budget(ctx); err != nil {
			return err
		}
		text, err = e.turn(ctx, spec, b, clientB, ledgerB, tr, events)
		if err != nil {
			return err
		}
		ledgerB = append(ledgerB, llm.AssistantMessage(text))
		ledgerA = append(ledgerA, llm.UserMessage(text))
	}

	if err := budget(ctx); err != nil {
		return err
	}
	ledgerC := []llm.Message{
		llm.SystemPrompt(e.prompts.For(ModeDiscussion, closer.Role)),
		llm.UserMessage(opening + "\n\nFull discussion:\n\n" + tr.render() + "\n\nDeliver your closing synthesis."),
	}
	_, err = e.turn(ctx, spec, closer, clientC, ledgerC, tr, events)
	return err
}

// runDebate argues each topic for Rounds rounds of pro/con exchange and has
// the judge score that topic before the next one starts.
func (e *Engine) runDebate(ctx context.Context, spec Spec, tr *transcript, events chan<- Event) error {
	pro, con, judge := spec.Agents[0], spec.Agents[1], spec.Agents[2]
	clientPro, err := e.client(pro)
	if err != nil {
		return err
	}
	clientCon, err := e.client(con)
	if err != nil {
		return err
	}
	clientJudge, err := e.client(judge)
	if err != nil {
		return err
	}

	for _, topic := range spec.topics() {
		mark := tr.mark()
		tr.addTopic(topic)

		motion := "The motion is: " + topic
		ledgerPro := []llm.Message{llm.SystemPrompt(e.prompts.For(ModeDebate, pro.Role)), llm.UserMessage(motion)}
		ledgerCon := []llm.Message{llm.SystemPrompt(e.prompts.For(ModeDebate, con.Role)), llm.UserMessage(motion)}

		for round := 0; round < spec.Rounds; round++ {
			if err := budget(ctx); err != nil {
				return err
			}
			text, err := e.turn(ctx, spec, pro, clientPro, ledgerPro, tr, events)
			if err != nil {
				return err
			}
			ledgerPro = append(ledgerPro, llm.AssistantMessage(text))
			ledgerCon = append(ledgerCon, llm.UserMessage(text))

			if err := budget(ctx); err != nil {
				return err
			}
			text, err = e.turn(ctx, spec, con, clientCon, ledgerCon, tr, events)
			if err != nil {
				return err
			}
			ledgerCon = append(ledgerCon, llm.AssistantMessage(text))
			ledgerPro = append(ledgerPro, llm.UserMessage(text))
		}

		if err := budget(ctx); err != nil {
			return err
		}
		ledgerJudge := []llm.Message{
			llm.SystemPrompt(e.prompts.For(ModeDebate, judge.Role)),
			llm.UserMessage(motion + "\n\nFull debate:\n\n" + tr.renderFrom(mark) + "\n\nScore the debate."),
		}
		if _, err := e.turn(ctx, spec, judge, clientJudge, ledgerJudge, tr, events); err != nil {
			return err
		}
	}
	return nil
}

package dialogue

import (
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/colloquy/history"
)

// transcript accumulates the rendered dialogue for history persistence
// and for feeding closing agents (summariser, judge) the full exchange.
type transcript struct {
	blocks []string
}

func (t *transcript) addTopic(topic string) {
	t.blocks = append(t.blocks, fmt.Sprintf("=== Topic: %s ===", topic))
}

func (t *transcript) addUtterance(role Role, text string) {
	t.blocks = append(t.blocks, fmt.Sprintf("[%s]\n%s", role, text))
}

// mark returns the current position, for rendering a later segment.
func (t *transcript) mark() int {
	return len(t.blocks)
}

// renderFrom renders the blocks added since mark.
func (t *transcript) renderFrom(mark int) string {
	return strings.Join(t.blocks[mark:], "\n\n")
}

func (t *transcript) render() string {
	return t.renderFrom(0)
}

// buildRecord assembles the history record for a finished (or aborted) run.
func buildRecord(spec Spec, content string, start, end time.Time) history.Record {
	kind := string(spec.Mode)
	topics := spec.topics()
	if spec.Mode == ModeDebate && len(topics) > 1 {
		kind = "batch"
	}

	rec := history.Record{
		Topic:       strings.Join(topics, "; "),
		Rounds:      spec.Rounds,
		ChatContent: content,
		StartTime:   history.FormatTime(start),
		EndTime:     history.FormatTime(end),
		Kind:        kind,
	}
	if len(spec.Agents) > 0 {
		rec.API1 = spec.Agents[0].Provider
		rec.Model1 = spec.Agents[0].Model
	}
	if len(spec.Agents) > 1 {
		rec.API2 = spec.Agents[1].Provider
		rec.Model2 = spec.Agents[1].Model
	}
	return rec
}

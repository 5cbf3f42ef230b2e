package codex

import "strings"

// RawEvent is one parsed JSON object from the agent's event stream.
// The agent has emitted several generations of event shapes; this
// struct carries the superset of fields the normalizer inspects.
// Final text fields are pointers so an absent field (no final) stays
// distinguishable from an empty string (a final that flushes the
// accumulated buffer).
type RawEvent struct {
	Type     string        `json:"type"`
	ThreadID string        `json:"thread_id"`
	Delta    string        `json:"delta"`
	Text     *string       `json:"text"`
	Message  string        `json:"message"`
	Payload  *EventPayload `json:"payload"`
	Item     *EventItem    `json:"item"`
	Error    *EventError   `json:"error"`
}

// EventPayload is the inner payload of event_msg / response_item
// envelopes.
type EventPayload struct {
	Type    string         `json:"type"`
	Delta   string         `json:"delta"`
	Message *string        `json:"message"`
	Text    *string        `json:"text"`
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one entry of an ordered content-block list.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// EventItem is the item of item.completed / item.updated events.
type EventItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// EventError is the error object of turn.failed events.
type EventError struct {
	Message string `json:"message"`
}

// SignalKind classifies a normalized agent event.
type SignalKind int

const (
	// SignalIgnored marks events with no canonical meaning; unrecognized
	// shapes always normalize to it, never to an error.
	SignalIgnored SignalKind = iota
	// SignalThreadStarted carries the upstream thread id.
	SignalThreadStarted
	// SignalReasoningDelta carries an incremental reasoning fragment.
	SignalReasoningDelta
	// SignalReasoningFinal carries a completed reasoning section.
	SignalReasoningFinal
	// SignalReasoningBreak resets the reasoning buffer without emitting.
	SignalReasoningBreak
	// SignalAssistantDelta carries an incremental assistant fragment.
	SignalAssistantDelta
	// SignalAssistantFinal carries the completed assistant reply.
	SignalAssistantFinal
	// SignalTurnError carries an upstream-reported turn failure.
	SignalTurnError
)

func (k SignalKind) String() string {
	switch k {
	case SignalThreadStarted:
		return "thread_started"
	case SignalReasoningDelta:
		return "reasoning_delta"
	case SignalReasoningFinal:
		return "reasoning_final"
	case SignalReasoningBreak:
		return "reasoning_break"
	case SignalAssistantDelta:
		return "assistant_delta"
	case SignalAssistantFinal:
		return "assistant_final"
	case SignalTurnError:
		return "turn_error"
	default:
		return "ignored"
	}
}

// Signal is one canonical event derived from a RawEvent.
type Signal struct {
	Kind     SignalKind
	Text     string
	ThreadID string
}

func ignored() Signal { return Signal{Kind: SignalIgnored} }

// joinTextBlocks concatenates the text of each content block in order,
// skipping entries without text.
func joinTextBlocks(blocks []ContentBlock) string {
	if len(blocks) == 0 {
		return ""
	}
	var b strings.Builder
	for _, block := range blocks {
		b.WriteString(block.Text)
	}
	return b.String()
}

// firstNonEmpty returns the first non-empty candidate.
func firstNonEmpty(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}

// strOr returns the pointed-to string, or empty when the field was
// absent.
func strOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// firstPresent returns the first field present in the JSON, even when
// it decodes to the empty string.
func firstPresent(candidates ...*string) (string, bool) {
	for _, c := range candidates {
		if c != nil {
			return *c, true
		}
	}
	return "", false
}

// Normalize maps one raw agent event to its canonical signal. It is
// total and side-effect free: the outer envelope type is matched first,
// then the inner payload type; anything unrecognized is Ignored.
func Normalize(ev RawEvent) Signal {
	switch ev.Type {
	case "thread.started":
		if ev.ThreadID == "" {
			return ignored()
		}
		return Signal{Kind: SignalThreadStarted, ThreadID: ev.ThreadID}

	case "event_msg":
		return normalizeEventMsg(ev.Payload)

	case "response_item":
		return normalizeResponseItem(ev.Payload)

	case "agent_reasoning_delta":
		return Signal{Kind: SignalReasoningDelta, Text: ev.Delta}

	case "agent_message_delta":
		return Signal{Kind: SignalAssistantDelta, Text: ev.Delta}

	case "agent_reasoning":
		if ev.Text == nil {
			return ignored()
		}
		return Signal{Kind: SignalReasoningFinal, Text: *ev.Text}

	case "agent_message":
		if ev.Text == nil {
			return ignored()
		}
		return Signal{Kind: SignalAssistantFinal, Text: *ev.Text}

	case "item.completed":
		if ev.Item == nil {
			return ignored()
		}
		// Completed items without text carry no final; they must not
		// flush the accumulated buffer.
		switch {
		case ev.Item.Type == "reasoning" && ev.Item.Text != "":
			return Signal{Kind: SignalReasoningFinal, Text: ev.Item.Text}
		case ev.Item.Type == "agent_message" && ev.Item.Text != "":
			return Signal{Kind: SignalAssistantFinal, Text: ev.Item.Text}
		}
		return ignored()

	case "item.updated":
		if ev.Item != nil && ev.Item.Type == "reasoning" {
			return Signal{Kind: SignalReasoningDelta, Text: ev.Item.Text}
		}
		return ignored()

	case "turn.failed":
		msg := "Codex turn failed."
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return Signal{Kind: SignalTurnError, Text: msg}

	case "error":
		return Signal{Kind: SignalTurnError, Text: ev.Message}
	}

	return ignored()
}

func normalizeEventMsg(payload *EventPayload) Signal {
	if payload == nil {
		return ignored()
	}
	switch payload.Type {
	case "agent_reasoning_delta", "agent_reasoning_raw_content_delta":
		return Signal{Kind: SignalReasoningDelta, Text: firstNonEmpty(payload.Delta, strOr(payload.Message), strOr(payload.Text))}
	case "agent_reasoning", "agent_reasoning_raw_content":
		text, ok := firstPresent(payload.Message, payload.Text)
		if !ok {
			return ignored()
		}
		return Signal{Kind: SignalReasoningFinal, Text: text}
	case "agent_reasoning_section_break":
		return Signal{Kind: SignalReasoningBreak}
	case "agent_message_delta":
		return Signal{Kind: SignalAssistantDelta, Text: payload.Delta}
	case "agent_message":
		if payload.Message == nil {
			return ignored()
		}
		return Signal{Kind: SignalAssistantFinal, Text: *payload.Message}
	}
	// token_count and anything newer.
	return ignored()
}

func normalizeResponseItem(payload *EventPayload) Signal {
	if payload == nil {
		return ignored()
	}
	switch payload.Type {
	case "reasoning", "raw_reasoning":
		return Signal{Kind: SignalReasoningFinal, Text: joinTextBlocks(payload.Content)}
	case "reasoning_delta", "raw_reasoning_delta":
		return Signal{Kind: SignalReasoningDelta, Text: firstNonEmpty(payload.Delta, joinTextBlocks(payload.Content))}
	case "message_delta", "output_text_delta":
		return Signal{Kind: SignalAssistantDelta, Text: firstNonEmpty(payload.Delta, joinTextBlocks(payload.Content))}
	case "message":
		if payload.Role != "assistant" {
			return ignored()
		}
		return Signal{Kind: SignalAssistantFinal, Text: joinTextBlocks(payload.Content)}
	}
	return ignored()
}

// Package chat drives one conversational session: it receives user
// messages from a transport, runs one agent turn per message, and
// streams the normalized output back while persisting the exchange.
package chat

import "encoding/json"

// Outbound is one frame sent to the client.
type Outbound struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Partial bool   `json:"partial,omitempty"`
}

// Inbound is the only accepted client frame shape.
type Inbound struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

const inboundUserMessage = "user_message"

func reasoningDelta(content string) Outbound {
	return Outbound{Type: "reasoning", Content: content, Partial: true}
}

func reasoningFinal(content string) Outbound {
	return Outbound{Type: "reasoning", Content: content}
}

func assistantDelta(content string) Outbound {
	return Outbound{Type: "assistant_partial", Content: content}
}

func assistantFinal(content string) Outbound {
	return Outbound{Type: "assistant", Content: content}
}

func errorFrame(content string) Outbound {
	return Outbound{Type: "error", Content: content}
}

// decodeInbound parses a client frame and reports whether it is the
// recognized user-message form with non-empty content.
func decodeInbound(data []byte) (Inbound, bool) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, false
	}
	if in.Type != inboundUserMessage || in.Content == "" {
		return Inbound{}, false
	}
	return in, true
}

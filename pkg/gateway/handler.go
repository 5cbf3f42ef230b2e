package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// Message is one inbound chat message. Content is either a plain
// string or a list of content blocks; flatten resolves both.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (m Message) flatten() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(m.Content, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n\n")
	}
	return ""
}

// CompletionRequest is the chat-completions request surface the CLI
// and other clients send.
type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float32   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// ResponsesRequest is the responses-API request surface.
type ResponsesRequest struct {
	Model           string      `json:"model"`
	Input           []InputItem `json:"input"`
	MaxOutputTokens int         `json:"max_output_tokens,omitempty"`
	Temperature     float32     `json:"temperature,omitempty"`
}

// InputItem is one turn of responses-API input.
type InputItem struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

// Handler serves the gateway HTTP surface.
type Handler struct {
	registry *Registry
	log      *zap.SugaredLogger
}

// NewHandler wires a registry into an HTTP handler.
func NewHandler(registry *Registry, logger *zap.SugaredLogger) *Handler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Handler{registry: registry, log: logger}
}

// Register installs the gateway routes on a mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/chat/completions", h.chatCompletions)
	mux.HandleFunc("/responses", h.responses)
}

func writeDetail(w http.ResponseWriter, status int, format string, args ...interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": fmt.Sprintf(format, args...)})
}

func (h *Handler) chatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	client, err := h.registry.Resolve(req.Model)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%v", err)
		return
	}

	upstream := openai.ChatCompletionRequest{
		Model:       client.Model,
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	if req.Stream {
		h.streamCompletion(w, r, client, upstream)
		return
	}

	resp, err := client.API.CreateChatCompletion(r.Context(), upstream)
	if err != nil {
		h.log.Errorw("upstream completion", "backend", client.ID, "error", err)
		writeDetail(w, http.StatusBadGateway, "upstream completion failed: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) streamCompletion(w http.ResponseWriter, r *http.Request, client *Client, upstream openai.ChatCompletionRequest) {
	upstream.Stream = true
	stream, err := client.API.CreateChatCompletionStream(r.Context(), upstream)
	if err != nil {
		h.log.Errorw("upstream stream", "backend", client.ID, "error", err)
		writeDetail(w, http.StatusBadGateway, "upstream completion failed: %v", err)
		return
	}
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.log.Warnw("upstream stream interrupted", "backend", client.ID, "error", err)
			break
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (h *Handler) responses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req ResponsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	client, err := h.registry.Resolve(req.Model)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "%v", err)
		return
	}

	completion, err := client.API.CreateChatCompletion(r.Context(), openai.ChatCompletionRequest{
		Model:       client.Model,
		Messages:    inputToMessages(req.Input),
		MaxTokens:   req.MaxOutputTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		h.log.Errorw("upstream completion", "backend", client.ID, "error", err)
		writeDetail(w, http.StatusBadGateway, "upstream completion failed: %v", err)
		return
	}

	var assistantText string
	if len(completion.Choices) > 0 {
		assistantText = completion.Choices[0].Message.Content
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	responseID := "resp_" + hexID()
	messageID := "msg_" + hexID()

	writeSSE(w, "response.created", map[string]interface{}{
		"type": "response.created",
		"response": map[string]interface{}{
			"id":         responseID,
			"created_at": time.Now().Unix(),
		},
	})
	writeSSE(w, "response.output_item.done", map[string]interface{}{
		"type":     "response.output_item.done",
		"response": map[string]interface{}{"id": responseID},
		"item": map[string]interface{}{
			"id":   messageID,
			"type": "message",
			"role": "assistant",
			"content": []map[string]interface{}{
				{"type": "output_text", "text": assistantText},
			},
		},
	})
	writeSSE(w, "response.completed", map[string]interface{}{
		"type": "response.completed",
		"response": map[string]interface{}{
			"id":    responseID,
			"usage": usagePayload(completion.Usage),
		},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.flatten(),
			Name:    m.Name,
		})
	}
	return out
}

// inputToMessages flattens responses-API input items into chat
// messages, joining text blocks and dropping items with no text.
func inputToMessages(input []InputItem) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(input))
	for _, item := range input {
		parts := make([]string, 0, len(item.Content))
		for _, b := range item.Content {
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:    item.Role,
			Content: strings.Join(parts, "\n\n"),
		})
	}
	return out
}

func usagePayload(u openai.Usage) map[string]interface{} {
	return map[string]interface{}{
		"input_tokens":  u.PromptTokens,
		"output_tokens": u.CompletionTokens,
		"total_tokens":  u.TotalTokens,
	}
}

func hexID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func writeSSE(w http.ResponseWriter, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/rs/zerolog"

	"github.com/handoff-protocol/handoff/protocol"
)

const (
	defaultTimeout    = 30 * time.Second
	transcriptWindow  = 20
	systemInstruction = "You are a support assistant answering inside a live chat. " +
		"Reply to the latest customer message, briefly and concretely. " +
		"If the conversation needs a human, say so and keep the answer short."
)

// OpenAI answers with the Responses API. The transcript is sent stateless on
// every call; the relay keeps no provider-side conversation.
type OpenAI struct {
	client  openai.Client
	model   string
	timeout time.Duration
	log     zerolog.Logger
}

// NewOpenAI builds a responder for the given API key and model.
func NewOpenAI(apiKey, model string, log zerolog.Logger) (*OpenAI, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("responder: api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("responder: model is required")
	}
	return &OpenAI{
		client:  openai.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		timeout: defaultTimeout,
		log:     log.With().Str("component", "responder").Logger(),
	}, nil
}

// Respond implements Responder.
func (o *OpenAI) Respond(ctx context.Context, chatID string, history []protocol.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	prompt := transcript(history)
	if prompt == "" {
		return "", nil
	}

	start := time.Now()
	resp, err := o.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:        o.model,
		Instructions: openai.String(systemInstruction),
		Input:        responses.ResponseNewParamsInputUnion{OfString: openai.String(prompt)},
	})
	if err != nil {
		o.log.Warn().Err(err).Str("chat_id", chatID).Msg("responder request failed")
		return "", fmt.Errorf("responder: %w", err)
	}

	text := strings.TrimSpace(resp.OutputText())
	o.log.Debug().
		Str("chat_id", chatID).
		Dur("duration", time.Since(start)).
		Int("reply_len", len(text)).
		Msg("responder reply")
	return text, nil
}

// transcript renders the newest window of the history as role-labelled
// lines, oldest first.
func transcript(history []protocol.Message) string {
	if len(history) > transcriptWindow {
		history = history[len(history)-transcriptWindow:]
	}

	var b strings.Builder
	for _, msg := range history {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		switch msg.SenderType {
		case protocol.SenderThirdParty:
			b.WriteString("Customer: ")
		case protocol.SenderAssistant:
			b.WriteString("Assistant: ")
		case protocol.SenderOfficial:
			b.WriteString("Agent: ")
		default:
			continue // system notices carry no conversational content
		}
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

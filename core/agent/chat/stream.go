package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/koscakluka/ema-calls/core/errs"
	"github.com/koscakluka/ema-calls/internal/utils"
)

const (
	chunkPrefix = "data:"
	endMessage  = "[DONE]"
)

type message struct {
	Role       messageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall  `json:"tool_calls,omitempty"`
}

type messageRole string

const (
	messageRoleSystem    messageRole = "system"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
)

type toolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type requestBody struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	ToolChoice  *string   `json:"tool_choice,omitempty"`
}

type streamingResponseBody struct {
	Choices []struct {
		Delta struct {
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// streamChunk is either a piece of content or a tool call.
type streamChunk struct {
	Content  string
	ToolCall *toolCall
}

func (a *Agent) stream(ctx context.Context, messages []message) iter.Seq2[streamChunk, error] {
	return func(yield func(streamChunk, error) bool) {
		ctx, span := tracer.Start(ctx, "prompt llm stream")
		defer span.End()
		span.SetAttributes(attribute.String("request.model", a.model))

		tools := a.requestTools()
		var toolChoice *string
		if len(tools) > 0 {
			toolChoice = utils.Ptr("auto")
		}

		var temperature *float64
		if a.config.Temperature > 0 {
			temperature = utils.Ptr(a.config.Temperature)
		}

		requestBodyBytes, err := json.Marshal(requestBody{
			Model:       a.model,
			Messages:    messages,
			Stream:      true,
			Temperature: temperature,
			MaxTokens:   a.config.MaxTokens,
			Tools:       tools,
			ToolChoice:  toolChoice,
		})
		if err != nil {
			err = fmt.Errorf("error marshalling JSON: %w", err)
			span.RecordError(err)
			yield(streamChunk{}, err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewBuffer(requestBodyBytes))
		if err != nil {
			err = fmt.Errorf("error creating HTTP request: %w", err)
			span.RecordError(err)
			yield(streamChunk{}, err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+a.apiKey)

		requestStart := time.Now()
		span.AddEvent("request started")
		resp, err := a.httpClient.Do(req)
		if err != nil {
			err = errs.NewTransportError("chat completions", err)
			span.RecordError(err)
			yield(streamChunk{}, err)
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
		if resp.StatusCode != http.StatusOK {
			if errorBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
				span.SetAttributes(attribute.String("response.error", string(errorBody)))
			}
			err := errs.NewTransportError("chat completions", fmt.Errorf("non-OK HTTP status: %s", resp.Status))
			span.RecordError(err)
			span.SetStatus(codes.Error, "request failed")
			yield(streamChunk{}, err)
			return
		}

		firstToken := true
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))
			if len(chunk) == 0 {
				continue
			}
			if chunk == endMessage {
				break
			}
			if firstToken {
				firstToken = false
				recordFirstToken(span, requestStart)
			}

			var responseBody streamingResponseBody
			if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
				err = fmt.Errorf("error unmarshalling JSON: %w", err)
				span.RecordError(err)
				if !yield(streamChunk{}, err) {
					return
				}
				continue
			}

			if len(responseBody.Choices) > 0 {
				delta := responseBody.Choices[0].Delta
				for _, call := range delta.ToolCalls {
					if !yield(streamChunk{ToolCall: &call}, nil) {
						return
					}
				}
				if delta.Content != "" {
					if !yield(streamChunk{Content: delta.Content}, nil) {
						return
					}
				}
			}

			if responseBody.Usage != nil {
				span.SetAttributes(
					attribute.Int("usage.prompt", responseBody.Usage.PromptTokens),
					attribute.Int("usage.completion", responseBody.Usage.CompletionTokens),
					attribute.Int("usage.total", responseBody.Usage.TotalTokens),
				)
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				yield(streamChunk{}, ctx.Err())
				return
			}
			yield(streamChunk{}, errs.NewTransportError("chat completions", fmt.Errorf("error reading streamed response: %w", err)))
		}
	}
}

func recordFirstToken(span trace.Span, requestStart time.Time) {
	span.SetAttributes(attribute.Float64("response.request_to_first_token_time", time.Since(requestStart).Seconds()))
	span.AddEvent("received first chunk")
}

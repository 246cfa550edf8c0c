// Package upstream holds the concrete provider clients: the chat model and
// the websocket dialers for the speech services.
package upstream

import (
	"context"
	"fmt"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
	"github.com/sony/gobreaker"

	"github.com/parleyhq/parley/internal/v1/metrics"
	"github.com/parleyhq/parley/internal/v1/types"
)

// OpenAI implements types.LLMClient against an OpenAI-compatible endpoint.
type OpenAI struct {
	client oai.Client
	model  string
	cb     *gobreaker.CircuitBreaker
}

// NewOpenAI builds the chat client. baseURL is optional and points the client
// at a compatible gateway.
func NewOpenAI(apiKey, model, baseURL string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("upstream: llm api key must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("upstream: llm model must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}

	st := gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(_ string, _ gobreaker.State, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("llm").Set(v)
		},
	}
	return &OpenAI{
		client: oai.NewClient(reqOpts...),
		model:  model,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// Chat performs one completion call.
func (o *OpenAI) Chat(ctx context.Context, req types.LLMRequest) (*types.LLMResponse, error) {
	params, err := buildParams(o.model, req)
	if err != nil {
		return nil, err
	}

	out, err := o.cb.Execute(func() (interface{}, error) {
		return o.client.Chat.Completions.New(ctx, params)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.CircuitBreakerFailures.WithLabelValues("llm").Inc()
		}
		return nil, fmt.Errorf("upstream: chat completion: %w", err)
	}
	resp := out.(*oai.ChatCompletion)
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("upstream: empty choices in response")
	}

	choice := resp.Choices[0]
	res := &types.LLMResponse{Content: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		res.ToolCalls = append(res.ToolCalls, types.LLMToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return res, nil
}

func buildParams(model string, req types.LLMRequest) (oai.ChatCompletionNewParams, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	for _, spec := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: param.NewOpt(spec.Description),
				Parameters:  shared.FunctionParameters(spec.Parameters),
			},
		})
	}
	return params, nil
}

func convertMessage(m types.LLMMessage) (oai.ChatCompletionMessageParamUnion, error) {
	content := ""
	if m.Content != nil {
		content = *m.Content
	}

	switch m.Role {
	case "system":
		return oai.SystemMessage(content), nil

	case "user":
		return oai.UserMessage(content), nil

	case "assistant":
		asst := oai.ChatCompletionAssistantMessageParam{}
		if content != "" {
			asst.Content.OfString = oai.String(content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case "tool":
		return oai.ToolMessage(content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("upstream: unknown message role %q", m.Role)
	}
}

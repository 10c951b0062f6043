package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

const (
	defaultMaxOutputTokens       = 2048
	defaultSummarizeMaxOutTokens = 1024
	openAIOfficialHost           = "api.openai.com"
	unavailableStatusCutoff      = 500
)

type openAIProvider struct {
	client           openai.Client
	model            string
	summaryModel     string
	strictToolSchema bool
}

func newOpenAIProvider(opts Options) *openAIProvider {
	reqOpts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(opts.APIKey))}
	if strings.TrimSpace(opts.BaseURL) != "" {
		reqOpts = append(reqOpts, ooption.WithBaseURL(strings.TrimSpace(opts.BaseURL)))
	}
	return &openAIProvider{
		client:           openai.NewClient(reqOpts...),
		model:            strings.TrimSpace(opts.Model),
		summaryModel:     opts.SummaryModelOrDefault(),
		strictToolSchema: useStrictToolSchema(opts.Type, opts.BaseURL),
	}
}

func useStrictToolSchema(providerType string, baseURL string) bool {
	if strings.ToLower(strings.TrimSpace(providerType)) == "openai_compatible" {
		// Compatible gateways vary widely in strict function schema support.
		return false
	}
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return true
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return false
	}
	return strings.ToLower(strings.TrimSpace(u.Hostname())) == openAIOfficialHost
}

func (p *openAIProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	if p == nil {
		return CompletionResult{}, errors.New("nil provider")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.model
	}
	if model == "" {
		return CompletionResult{}, errors.New("missing model")
	}

	params := oresponses.ResponseNewParams{
		Model:             oshared.ResponsesModel(model),
		MaxOutputTokens:   openai.Int(defaultMaxOutputTokens),
		ParallelToolCalls: openai.Bool(false),
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}

	inputItems, instructions := buildOpenAIInput(req.Messages)
	if strings.TrimSpace(req.SystemPrompt) != "" {
		if instructions == "" {
			instructions = strings.TrimSpace(req.SystemPrompt)
		} else {
			instructions = strings.TrimSpace(req.SystemPrompt) + "\n\n" + instructions
		}
	}
	if len(inputItems) == 0 {
		inputItems = append(inputItems, oresponses.ResponseInputItemParamOfMessage("Continue.", oresponses.EasyInputMessageRoleUser))
	}
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: inputItems}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}
	tools, aliasToReal := buildOpenAITools(req.Tools, p.strictToolSchema)
	if len(tools) > 0 {
		params.Tools = tools
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return CompletionResult{}, wrapOpenAIError(err)
	}

	result := CompletionResult{
		FinishReason: mapOpenAIStatus(resp.Status),
		Text:         strings.TrimSpace(extractOpenAIResponseText(*resp)),
	}
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "function_call" {
			continue
		}
		callID := strings.TrimSpace(item.CallID)
		if callID == "" {
			callID = strings.TrimSpace(item.ID)
		}
		if callID == "" {
			callID = fmt.Sprintf("openai_call_%d", len(result.ToolCalls)+1)
		}
		toolName := strings.TrimSpace(item.Name)
		if realName, ok := aliasToReal[toolName]; ok {
			toolName = realName
		}
		args := map[string]any{}
		if raw := strings.TrimSpace(item.Arguments); raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: callID, Name: toolName, Args: args})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	return result, nil
}

func (p *openAIProvider) Summarize(ctx context.Context, prompt string, batchText string) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}
	res, err := p.Complete(ctx, CompletionRequest{
		Model:           p.summaryModel,
		SystemPrompt:    strings.TrimSpace(prompt),
		Messages:        []Message{TextMessage("user", batchText)},
		MaxOutputTokens: defaultSummarizeMaxOutTokens,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", errors.New("empty summary response")
	}
	return text, nil
}

func buildOpenAITools(defs []ToolDef, strict bool) ([]oresponses.ToolUnionParam, map[string]string) {
	out := make([]oresponses.ToolUnionParam, 0, len(defs))
	aliasToReal := make(map[string]string, len(defs))
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			continue
		}
		schema := map[string]any{}
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &schema)
		}
		alias := sanitizeProviderToolName(def.Name)
		out = append(out, oresponses.ToolParamOfFunction(alias, schema, strict))
		aliasToReal[alias] = def.Name
	}
	return out, aliasToReal
}

func buildOpenAIInput(messages []Message) (oresponses.ResponseInputParam, string) {
	items := make(oresponses.ResponseInputParam, 0, len(messages)+2)
	instructions := ""
	for _, msg := range messages {
		role := strings.ToLower(strings.TrimSpace(msg.Role))
		switch role {
		case "system":
			if txt := joinMessageText(msg); txt != "" {
				if instructions == "" {
					instructions = txt
				} else {
					instructions += "\n\n" + txt
				}
			}
		case "tool":
			for _, part := range msg.Content {
				if strings.TrimSpace(part.Type) != "tool_result" {
					continue
				}
				callID := strings.TrimSpace(part.ToolCallID)
				if callID == "" {
					continue
				}
				output := strings.TrimSpace(part.Text)
				if output == "" && len(part.JSON) > 0 {
					output = string(part.JSON)
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCallOutput(callID, output))
			}
		case "assistant":
			emittedToolCall := false
			for _, part := range msg.Content {
				if strings.ToLower(strings.TrimSpace(part.Type)) != "tool_call" {
					continue
				}
				callID := strings.TrimSpace(part.ToolCallID)
				if callID == "" {
					continue
				}
				name := sanitizeProviderToolName(part.ToolName)
				if name == "" {
					continue
				}
				argsRaw := strings.TrimSpace(part.ArgsJSON)
				if argsRaw == "" || !json.Valid([]byte(argsRaw)) {
					argsRaw = "{}"
				}
				items = append(items, oresponses.ResponseInputItemParamOfFunctionCall(argsRaw, callID, name))
				emittedToolCall = true
			}
			if emittedToolCall {
				continue
			}
			if txt := joinMessageText(msg); txt != "" {
				content := oresponses.ResponseInputMessageContentListParam{
					oresponses.ResponseInputContentUnionParam{
						OfInputText: &oresponses.ResponseInputTextParam{Text: txt},
					},
				}
				items = append(items, oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleAssistant))
			}
		default:
			if txt := joinMessageText(msg); txt != "" {
				content := oresponses.ResponseInputMessageContentListParam{
					oresponses.ResponseInputContentUnionParam{
						OfInputText: &oresponses.ResponseInputTextParam{Text: txt},
					},
				}
				items = append(items, oresponses.ResponseInputItemParamOfMessage(content, oresponses.EasyInputMessageRoleUser))
			}
		}
	}
	return items, instructions
}

func extractOpenAIResponseText(resp oresponses.Response) string {
	var sb strings.Builder
	for _, item := range resp.Output {
		if strings.TrimSpace(item.Type) != "message" {
			continue
		}
		msg := item.AsMessage()
		for _, part := range msg.Content {
			if strings.TrimSpace(part.Type) != "output_text" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(strings.TrimSpace(part.Text))
		}
	}
	return sb.String()
}

func mapOpenAIStatus(status oresponses.ResponseStatus) string {
	switch strings.TrimSpace(strings.ToLower(string(status))) {
	case "completed":
		return "stop"
	case "incomplete":
		return "length"
	case "failed", "cancelled":
		return "error"
	default:
		return "unknown"
	}
}

func wrapOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode >= unavailableStatusCutoff {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if isTransportError(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

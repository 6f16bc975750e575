package adapter

import (
	"encoding/json"
	"strings"
)

// geminiRequest is the Gemini generateContent request body.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	InlineData       *geminiBlob     `json:"inlineData,omitempty"`
	FileData         *geminiFileData `json:"fileData,omitempty"`
	FunctionCall     json.RawMessage `json:"functionCall,omitempty"`
	FunctionResponse json.RawMessage `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type geminiTool struct {
	FunctionDeclarations []json.RawMessage `json:"functionDeclarations,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig *functionCallingConfig `json:"functionCallingConfig,omitempty"`
}

type functionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"topP,omitempty"`
	MaxOutputTokens  *int            `json:"maxOutputTokens,omitempty"`
	CandidateCount   *int            `json:"candidateCount,omitempty"`
	StopSequences    []string        `json:"stopSequences,omitempty"`
	FrequencyPenalty *float64        `json:"frequencyPenalty,omitempty"`
	PresencePenalty  *float64        `json:"presencePenalty,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	ResponseLogprobs bool            `json:"responseLogprobs,omitempty"`
	Logprobs         *int            `json:"logprobs,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
	ThinkingConfig   *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	IncludeThoughts bool `json:"includeThoughts"`
	ThinkingBudget  int  `json:"thinkingBudget"`
}

// openaiChatRequest covers the chat-completions fields the converter reads.
type openaiChatRequest struct {
	Messages            []openaiMessage       `json:"messages"`
	Temperature         *float64              `json:"temperature"`
	TopP                *float64              `json:"top_p"`
	MaxTokens           *int                  `json:"max_tokens"`
	MaxCompletionTokens *int                  `json:"max_completion_tokens"`
	N                   *int                  `json:"n"`
	Stop                json.RawMessage       `json:"stop"`
	FrequencyPenalty    *float64              `json:"frequency_penalty"`
	PresencePenalty     *float64              `json:"presence_penalty"`
	Seed                *int                  `json:"seed"`
	Logprobs            bool                  `json:"logprobs"`
	TopLogprobs         *int                  `json:"top_logprobs"`
	ResponseFormat      *openaiResponseFormat `json:"response_format"`
	ReasoningEffort     string                `json:"reasoning_effort"`
	Tools               []openaiTool          `json:"tools"`
	ToolChoice          json.RawMessage       `json:"tool_choice"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content"`
	ToolCalls  []openaiToolCall `json:"tool_calls"`
	ToolCallID string           `json:"tool_call_id"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openaiTool struct {
	Type     string          `json:"type"`
	Function json.RawMessage `json:"function"`
}

type openaiResponseFormat struct {
	Type       string `json:"type"`
	JSONSchema struct {
		Name   string          `json:"name"`
		Schema json.RawMessage `json:"schema"`
	} `json:"json_schema"`
}

// thinkingBudgetForEffort maps an OpenAI reasoning_effort level to a Gemini
// thinking-token budget.
func thinkingBudgetForEffort(effort string) (int, bool) {
	switch effort {
	case "minimal":
		return 512, true
	case "low":
		return 1024, true
	case "medium":
		return 8192, true
	case "high":
		return 24576, true
	default:
		return 0, false
	}
}

// OpenAIToGeminiRequest converts an OpenAI chat-completions request body to a
// Gemini generateContent request body.
func OpenAIToGeminiRequest(body []byte) ([]byte, error) {
	var req openaiChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, convErr("decode openai request: %v", err)
	}

	out := &geminiRequest{}
	out.GenerationConfig = buildGenerationConfig(&req)
	out.Tools, out.ToolConfig = buildGeminiTools(&req)

	// Assistant tool calls carry the function name; tool results only carry
	// the call id. Track the mapping so functionResponse parts get a name.
	callNames := make(map[string]string)

	var systemParts []geminiPart
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			systemParts = append(systemParts, contentToGeminiParts(m.Content)...)

		case "user":
			appendContent(&out.Contents, "user", contentToGeminiParts(m.Content))

		case "assistant":
			parts := contentToGeminiParts(m.Content)
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				fc, _ := json.Marshal(map[string]any{
					"name": tc.Function.Name,
					"args": json.RawMessage(argsOrEmpty(tc.Function.Arguments)),
				})
				parts = append(parts, geminiPart{FunctionCall: fc})
			}
			appendContent(&out.Contents, "model", parts)

		case "tool":
			name := callNames[m.ToolCallID]
			if name == "" {
				name = m.ToolCallID
			}
			fr, _ := json.Marshal(map[string]any{
				"name":     name,
				"response": map[string]any{"result": rawToText(m.Content)},
			})
			appendContent(&out.Contents, "user", []geminiPart{{FunctionResponse: fr}})
		}
	}
	if len(systemParts) > 0 {
		out.SystemInstruction = &geminiContent{Parts: systemParts}
	}

	return json.Marshal(out)
}

func buildGenerationConfig(req *openaiChatRequest) *geminiGenerationConfig {
	gc := &geminiGenerationConfig{
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		MaxOutputTokens:  req.MaxTokens,
		CandidateCount:   req.N,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Seed:             req.Seed,
	}
	if req.MaxCompletionTokens != nil {
		gc.MaxOutputTokens = req.MaxCompletionTokens
	}
	if len(req.Stop) > 0 {
		// stop may be a single string or an array of strings.
		var one string
		if json.Unmarshal(req.Stop, &one) == nil {
			gc.StopSequences = []string{one}
		} else {
			_ = json.Unmarshal(req.Stop, &gc.StopSequences)
		}
	}
	if req.Logprobs {
		gc.ResponseLogprobs = true
		gc.Logprobs = req.TopLogprobs
	}
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_object":
			gc.ResponseMimeType = "application/json"
		case "json_schema":
			gc.ResponseMimeType = "application/json"
			gc.ResponseSchema = rf.JSONSchema.Schema
		}
	}
	if budget, ok := thinkingBudgetForEffort(req.ReasoningEffort); ok {
		gc.ThinkingConfig = &thinkingConfig{IncludeThoughts: true, ThinkingBudget: budget}
	}
	if gc.Temperature == nil && gc.TopP == nil && gc.MaxOutputTokens == nil &&
		gc.CandidateCount == nil && len(gc.StopSequences) == 0 &&
		gc.FrequencyPenalty == nil && gc.PresencePenalty == nil && gc.Seed == nil &&
		!gc.ResponseLogprobs && gc.ResponseMimeType == "" && gc.ThinkingConfig == nil {
		return nil
	}
	return gc
}

func buildGeminiTools(req *openaiChatRequest) ([]geminiTool, *geminiToolConfig) {
	var decls []json.RawMessage
	for _, t := range req.Tools {
		if t.Type == "function" && t.Function != nil {
			decls = append(decls, t.Function)
		}
	}
	var tools []geminiTool
	if len(decls) > 0 {
		tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	var cfg *geminiToolConfig
	if len(req.ToolChoice) > 0 {
		var mode string
		if json.Unmarshal(req.ToolChoice, &mode) == nil {
			switch mode {
			case "auto":
				cfg = &geminiToolConfig{FunctionCallingConfig: &functionCallingConfig{Mode: "AUTO"}}
			case "none":
				cfg = &geminiToolConfig{FunctionCallingConfig: &functionCallingConfig{Mode: "NONE"}}
			case "required":
				cfg = &geminiToolConfig{FunctionCallingConfig: &functionCallingConfig{Mode: "ANY"}}
			}
		} else {
			var forced struct {
				Function struct {
					Name string `json:"name"`
				} `json:"function"`
			}
			if json.Unmarshal(req.ToolChoice, &forced) == nil && forced.Function.Name != "" {
				cfg = &geminiToolConfig{FunctionCallingConfig: &functionCallingConfig{
					Mode:                 "ANY",
					AllowedFunctionNames: []string{forced.Function.Name},
				}}
			}
		}
	}
	return tools, cfg
}

// appendContent appends parts under role, merging into the previous entry
// when consecutive messages share the role.
func appendContent(contents *[]geminiContent, role string, parts []geminiPart) {
	if len(parts) == 0 {
		return
	}
	if n := len(*contents); n > 0 && (*contents)[n-1].Role == role {
		(*contents)[n-1].Parts = append((*contents)[n-1].Parts, parts...)
		return
	}
	*contents = append(*contents, geminiContent{Role: role, Parts: parts})
}

// contentToGeminiParts converts an OpenAI content field (string or structured
// part array) into Gemini parts.
func contentToGeminiParts(raw json.RawMessage) []geminiPart {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return nil
		}
		return []geminiPart{{Text: s}}
	}

	var parts []struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		ImageURL struct {
			URL string `json:"url"`
		} `json:"image_url"`
		InputAudio struct {
			Data   string `json:"data"`
			Format string `json:"format"`
		} `json:"input_audio"`
		File struct {
			FileData string `json:"file_data"`
			FileID   string `json:"file_id"`
			Filename string `json:"filename"`
		} `json:"file"`
	}
	if json.Unmarshal(raw, &parts) != nil {
		return []geminiPart{{Text: string(raw)}}
	}

	out := make([]geminiPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text":
			out = append(out, geminiPart{Text: p.Text})
		case "image_url":
			if mime, data, ok := parseDataURI(p.ImageURL.URL); ok {
				out = append(out, geminiPart{InlineData: &geminiBlob{MimeType: mime, Data: data}})
			} else if p.ImageURL.URL != "" {
				out = append(out, geminiPart{FileData: &geminiFileData{FileURI: p.ImageURL.URL}})
			}
		case "input_audio":
			if p.InputAudio.Data != "" {
				out = append(out, geminiPart{InlineData: &geminiBlob{
					MimeType: "audio/" + p.InputAudio.Format,
					Data:     p.InputAudio.Data,
				}})
			}
		case "file":
			if mime, data, ok := parseDataURI(p.File.FileData); ok {
				out = append(out, geminiPart{InlineData: &geminiBlob{MimeType: mime, Data: data}})
			} else if p.File.FileID != "" {
				out = append(out, geminiPart{FileData: &geminiFileData{FileURI: p.File.FileID}})
			}
		}
	}
	return out
}

// parseDataURI splits a data:<mime>;base64,<payload> URI.
func parseDataURI(uri string) (mime, data string, ok bool) {
	rest, found := strings.CutPrefix(uri, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mime = strings.TrimSuffix(meta, ";base64")
	return mime, payload, true
}

// rawToText reduces an OpenAI content field to plain text for embedding in a
// functionResponse payload.
func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) == nil {
		var b strings.Builder
		for _, p := range parts {
			b.WriteString(p.Text)
		}
		return b.String()
	}
	return string(raw)
}

// argsOrEmpty returns the tool-call arguments as raw JSON, defaulting to an
// empty object when the model sent none.
func argsOrEmpty(args string) string {
	if strings.TrimSpace(args) == "" {
		return "{}"
	}
	if !json.Valid([]byte(args)) {
		b, _ := json.Marshal(args)
		return `{"input":` + string(b) + `}`
	}
	return args
}

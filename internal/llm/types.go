// Package llm is the contract between the chat and a hosted generative model,
// plus a Gemini generateContent client.
package llm

import (
	"context"
	"strings"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Part is one piece of a turn. Exactly one field is set.
type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

func TextPart(text string) Part {
	return Part{Text: text}
}

type Turn struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Schema is the OpenAPI subset used for function parameters.
type Schema struct {
	Type        string            `json:"type"`
	Description string            `json:"description,omitempty"`
	Properties  map[string]Schema `json:"properties,omitempty"`
	Required    []string          `json:"required,omitempty"`
}

type FunctionDeclaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  *Schema `json:"parameters,omitempty"`
}

type Request struct {
	SystemInstruction string
	Tools             []FunctionDeclaration
	Contents          []Turn
}

type Response struct {
	Parts        []Part
	FinishReason string
}

// Text concatenates every text part.
func (r *Response) Text() string {
	var sb strings.Builder
	for _, p := range r.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Empty reports whether the response carries no usable content.
func (r *Response) Empty() bool {
	return strings.TrimSpace(r.Text()) == "" && len(r.FunctionCalls()) == 0
}

func (r *Response) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, p := range r.Parts {
		if p.FunctionCall != nil {
			calls = append(calls, *p.FunctionCall)
		}
	}
	return calls
}

// Model generates the next model turn for a conversation.
type Model interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Package tools declares the functions the model may call and validates the
// arguments it sends back.
package tools

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ahmetk3436/torid/internal/llm"
)

const SearchWorkflowsName = "search_n8n_workflows"

var ErrUnknownTool = errors.New("unknown tool")

// SearchWorkflows is the declaration sent with every conversation.
var SearchWorkflows = llm.FunctionDeclaration{
	Name:        SearchWorkflowsName,
	Description: "Searches for available n8n automation workflows by name. Use this when the user asks to run, trigger, find or automate a task.",
	Parameters: &llm.Schema{
		Type: "OBJECT",
		Properties: map[string]llm.Schema{
			"query": {
				Type:        "STRING",
				Description: "Keywords to match against workflow names, e.g. \"email\" or \"invoice\".",
			},
		},
		Required: []string{"query"},
	},
}

// Declarations lists every tool offered to the model.
func Declarations() []llm.FunctionDeclaration {
	return []llm.FunctionDeclaration{SearchWorkflows}
}

type SearchWorkflowsArgs struct {
	Query string
}

// ParseSearchWorkflowsArgs validates the untyped argument bag of a
// search_n8n_workflows call.
func ParseSearchWorkflowsArgs(args map[string]any) (SearchWorkflowsArgs, error) {
	raw, ok := args["query"]
	if !ok {
		return SearchWorkflowsArgs{}, errors.New("missing required argument \"query\"")
	}
	var query string
	switch v := raw.(type) {
	case string:
		query = v
	case fmt.Stringer:
		query = v.String()
	case float64, int, int64, bool:
		query = fmt.Sprint(v)
	default:
		return SearchWorkflowsArgs{}, fmt.Errorf("argument \"query\" must be a string, got %T", raw)
	}
	return SearchWorkflowsArgs{Query: strings.TrimSpace(query)}, nil
}

// Call is a validated tool invocation.
type Call struct {
	Name           string
	SearchWorkflow *SearchWorkflowsArgs
}

// Parse turns a raw function call into a Call, rejecting undeclared tools.
func Parse(fc llm.FunctionCall) (Call, error) {
	switch fc.Name {
	case SearchWorkflowsName:
		args, err := ParseSearchWorkflowsArgs(fc.Args)
		if err != nil {
			return Call{}, fmt.Errorf("%s: %w", fc.Name, err)
		}
		return Call{Name: fc.Name, SearchWorkflow: &args}, nil
	default:
		return Call{}, fmt.Errorf("%w: %s", ErrUnknownTool, fc.Name)
	}
}

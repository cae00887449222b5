package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// GeminiClient calls the generateContent REST endpoint.
type GeminiClient struct {
	baseURL string
	apiKey  string
	model   string
	timeout time.Duration
	client  *fasthttp.Client
}

func NewGeminiClient(baseURL, apiKey, model string, timeout time.Duration) *GeminiClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &GeminiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		timeout: timeout,
		client: &fasthttp.Client{
			Name:                "torid",
			MaxConnsPerHost:     64,
			MaxIdleConnDuration: 90 * time.Second,
			ReadTimeout:         timeout,
			WriteTimeout:        30 * time.Second,
		},
	}
}

type geminiContent struct {
	Role  Role   `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type geminiTool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	Tools             []geminiTool    `json:"tools,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (g *GeminiClient) endpoint() string {
	return fmt.Sprintf("%s/models/%s:generateContent", g.baseURL, g.model)
}

func buildRequest(req Request) geminiRequest {
	body := geminiRequest{Contents: make([]geminiContent, 0, len(req.Contents))}
	if req.SystemInstruction != "" {
		body.SystemInstruction = &geminiContent{Parts: []Part{TextPart(req.SystemInstruction)}}
	}
	for _, t := range req.Contents {
		body.Contents = append(body.Contents, geminiContent{Role: t.Role, Parts: t.Parts})
	}
	if len(req.Tools) > 0 {
		body.Tools = []geminiTool{{FunctionDeclarations: req.Tools}}
	}
	return body
}

func (g *GeminiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, &ModelInvocationError{Reason: ReasonGeneric, Err: fmt.Errorf("marshaling request: %w", err)}
	}

	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(g.endpoint())
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)
	httpReq.SetBodyRaw(payload)

	deadline := time.Now().Add(g.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	if err := g.do(ctx, httpReq, httpResp, deadline); err != nil {
		if ctx.Err() != nil {
			return nil, &ModelInvocationError{Reason: ReasonNetwork, Err: ctx.Err()}
		}
		return nil, &ModelInvocationError{Reason: ReasonNetwork, Err: fmt.Errorf("fetch failed: %w", err)}
	}

	status := httpResp.StatusCode()
	body := httpResp.Body()
	slog.Debug("Gemini call finished", "model", g.model, "status", status, "duration", time.Since(start))

	if status != fasthttp.StatusOK {
		var apiErr geminiError
		message := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			message = apiErr.Error.Message
		}
		return nil, &ModelInvocationError{
			Reason:     classify(status, message),
			StatusCode: status,
			Err:        errors.New(message),
		}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ModelInvocationError{Reason: ReasonGeneric, StatusCode: status, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(parsed.Candidates) == 0 {
		if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
			return nil, &ModelInvocationError{Reason: ReasonBlocked, StatusCode: status, Err: errors.New("prompt blocked: " + parsed.PromptFeedback.BlockReason)}
		}
		return nil, &ModelInvocationError{Reason: ReasonGeneric, StatusCode: status, Err: errors.New("no candidates returned")}
	}
	candidate := parsed.Candidates[0]
	return &Response{Parts: candidate.Content.Parts, FinishReason: candidate.FinishReason}, nil
}

// do runs the request on its own goroutine so ctx cancellation returns early.
func (g *GeminiClient) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) error {
	if ctx.Done() == nil {
		return g.client.DoDeadline(req, resp, deadline)
	}
	// The request and response are released by the caller, so the goroutine
	// works on copies.
	reqCopy := fasthttp.AcquireRequest()
	respCopy := fasthttp.AcquireResponse()
	req.CopyTo(reqCopy)

	done := make(chan error, 1)
	go func() {
		done <- g.client.DoDeadline(reqCopy, respCopy, deadline)
	}()

	select {
	case err := <-done:
		respCopy.CopyTo(resp)
		fasthttp.ReleaseRequest(reqCopy)
		fasthttp.ReleaseResponse(respCopy)
		return err
	case <-ctx.Done():
		go func() {
			<-done
			fasthttp.ReleaseRequest(reqCopy)
			fasthttp.ReleaseResponse(respCopy)
		}()
		return ctx.Err()
	}
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *GeminiClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGeminiClient(srv.URL+"/", "test-key", "gemini-test", 5*time.Second)
}

func TestGenerate_TextResponse(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/models/gemini-test:generateContent", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hi "},{"text":"there"}]}}]}`)
	})

	resp, err := client.Generate(context.Background(), Request{
		SystemInstruction: "be nice",
		Tools: []FunctionDeclaration{{
			Name:       "search",
			Parameters: &Schema{Type: "OBJECT", Properties: map[string]Schema{"query": {Type: "STRING"}}, Required: []string{"query"}},
		}},
		Contents: []Turn{{Role: RoleUser, Parts: []Part{TextPart("hello")}}},
	})
	require.NoError(t, err)
	require.Equal(t, "Hi there", resp.Text())
	require.Empty(t, resp.FunctionCalls())

	require.Contains(t, got, "systemInstruction")
	require.Contains(t, got, "tools")
	contents := got["contents"].([]any)
	require.Len(t, contents, 1)
	require.Equal(t, "user", contents[0].(map[string]any)["role"])
}

func TestGenerate_FunctionCall(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"search_n8n_workflows","args":{"query":"email"}}}]}}]}`)
	})

	resp, err := client.Generate(context.Background(), Request{Contents: []Turn{{Role: RoleUser, Parts: []Part{TextPart("send an email")}}}})
	require.NoError(t, err)
	calls := resp.FunctionCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "search_n8n_workflows", calls[0].Name)
	require.Equal(t, "email", calls[0].Args["query"])
}

func TestGenerate_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		reason Reason
	}{
		{"invalid key", http.StatusBadRequest, `{"error":{"code":400,"message":"API key not valid. Please pass a valid API key.","status":"INVALID_ARGUMENT"}}`, ReasonInvalidCredentials},
		{"media", http.StatusBadRequest, `{"error":{"code":400,"message":"Request contains an invalid argument: media parsing failed"}}`, ReasonMediaRejected},
		{"forbidden", http.StatusForbidden, `{"error":{"code":403,"message":"denied"}}`, ReasonInvalidCredentials},
		{"server", http.StatusInternalServerError, `oops`, ReasonGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			_, err := client.Generate(context.Background(), Request{})

			var invErr *ModelInvocationError
			require.ErrorAs(t, err, &invErr)
			require.Equal(t, tt.reason, invErr.Reason)
			require.Equal(t, tt.status, invErr.StatusCode)
		})
	}
}

func TestGenerate_EmptyCandidates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`)
	})
	_, err := client.Generate(context.Background(), Request{})
	require.ErrorContains(t, err, "SAFETY")

	var invErr *ModelInvocationError
	require.ErrorAs(t, err, &invErr)
	require.Equal(t, ReasonBlocked, invErr.Reason)
}

func TestGenerate_CandidateWithoutParts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"candidates":[{"content":{"role":"model"},"finishReason":"RECITATION"}]}`)
	})
	resp, err := client.Generate(context.Background(), Request{})
	require.NoError(t, err)
	require.True(t, resp.Empty())
	require.Equal(t, "RECITATION", resp.FinishReason)
}

func TestEmptyReplyError(t *testing.T) {
	var invErr *ModelInvocationError
	require.ErrorAs(t, EmptyReplyError("SAFETY"), &invErr)
	require.Equal(t, ReasonBlocked, invErr.Reason)

	require.ErrorAs(t, EmptyReplyError(""), &invErr)
	require.Equal(t, ReasonGeneric, invErr.Reason)
	require.ErrorContains(t, invErr, "unspecified")
}

func TestGenerate_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewGeminiClient(url, "k", "m", time.Second)
	_, err := client.Generate(context.Background(), Request{})

	var invErr *ModelInvocationError
	require.ErrorAs(t, err, &invErr)
	require.Equal(t, ReasonNetwork, invErr.Reason)
	require.Equal(t, "I couldn't connect to the AI service. Please check your network connection.", UserMessage(err))
}

func TestUserMessage(t *testing.T) {
	require.Equal(t, "Sorry, something went wrong while trying to get a response.", UserMessage(errors.New("boom")))
	require.Equal(t,
		"The provided API key is not valid. Please check your configuration.",
		UserMessage(&ModelInvocationError{Reason: ReasonInvalidCredentials, Err: errors.New("x")}))
	require.Equal(t,
		"Sorry, I had trouble processing the image. Please try another one or a different format.",
		UserMessage(&ModelInvocationError{Reason: ReasonMediaRejected, Err: errors.New("x")}))
}

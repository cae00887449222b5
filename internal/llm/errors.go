package llm

import (
	"errors"
	"fmt"
	"strings"
)

type Reason int

const (
	ReasonGeneric Reason = iota
	ReasonInvalidCredentials
	ReasonNetwork
	ReasonMediaRejected
	ReasonBlocked
)

func (r Reason) String() string {
	switch r {
	case ReasonInvalidCredentials:
		return "invalid_credentials"
	case ReasonNetwork:
		return "network"
	case ReasonMediaRejected:
		return "media_rejected"
	case ReasonBlocked:
		return "blocked"
	default:
		return "generic"
	}
}

// ModelInvocationError wraps every failure of a model call.
type ModelInvocationError struct {
	Reason     Reason
	StatusCode int
	Err        error
}

func (e *ModelInvocationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("model invocation failed (%s, status %d): %v", e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("model invocation failed (%s): %v", e.Reason, e.Err)
}

func (e *ModelInvocationError) Unwrap() error {
	return e.Err
}

// UserMessage is the text shown in the chat in place of a reply.
func (e *ModelInvocationError) UserMessage() string {
	switch e.Reason {
	case ReasonInvalidCredentials:
		return "The provided API key is not valid. Please check your configuration."
	case ReasonNetwork:
		return "I couldn't connect to the AI service. Please check your network connection."
	case ReasonMediaRejected:
		return "Sorry, I had trouble processing the image. Please try another one or a different format."
	case ReasonBlocked:
		return "Sorry, I couldn't produce a response to that. Please try rephrasing your message."
	default:
		return "Sorry, something went wrong while trying to get a response."
	}
}

// classify maps a provider error message and status onto a Reason.
func classify(status int, message string) Reason {
	msg := strings.ToLower(message)
	switch {
	case strings.Contains(msg, "api key not valid"), strings.Contains(msg, "api_key_invalid"),
		status == 401, status == 403:
		return ReasonInvalidCredentials
	case strings.Contains(msg, "media parsing failed"), strings.Contains(msg, "unsupported mime type"),
		strings.Contains(msg, "unable to process input image"):
		return ReasonMediaRejected
	case strings.Contains(msg, "fetch failed"):
		return ReasonNetwork
	default:
		return ReasonGeneric
	}
}

// blockedFinishReasons are candidate finish reasons that withhold content.
var blockedFinishReasons = map[string]bool{
	"SAFETY":             true,
	"RECITATION":         true,
	"BLOCKLIST":          true,
	"PROHIBITED_CONTENT": true,
	"SPII":               true,
}

// EmptyReplyError reports a successful call that produced neither text nor a
// function call.
func EmptyReplyError(finishReason string) error {
	reason := ReasonGeneric
	if blockedFinishReasons[strings.ToUpper(finishReason)] {
		reason = ReasonBlocked
	}
	if finishReason == "" {
		finishReason = "unspecified"
	}
	return &ModelInvocationError{Reason: reason, Err: fmt.Errorf("empty reply (finish reason %s)", finishReason)}
}

// UserMessage renders any error from a model call for the chat.
func UserMessage(err error) string {
	var invErr *ModelInvocationError
	if errors.As(err, &invErr) {
		return invErr.UserMessage()
	}
	return (&ModelInvocationError{}).UserMessage()
}

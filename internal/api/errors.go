package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Kind classifies a failed API call
type Kind int

const (
	// KindNetwork: the request never produced a response
	KindNetwork Kind = iota + 1
	// KindHTTP: any non-2xx response other than an authentication failure
	KindHTTP
	// KindTransientAuth: a 401 that the client will try to recover from
	KindTransientAuth
	// KindTerminalAuth: a 401 that could not be recovered; the session is over
	KindTerminalAuth
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindHTTP:
		return "http"
	case KindTransientAuth:
		return "transient-auth"
	case KindTerminalAuth:
		return "terminal-auth"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by the client. The message is
// normalized once, where the response is read.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Method     string
	Path       string
	Err        error
}

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrNetwork      = &Error{Kind: KindNetwork}
	ErrHTTP         = &Error{Kind: KindHTTP}
	ErrTerminalAuth = &Error{Kind: KindTerminalAuth}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Method != "" || e.Path != "" {
		fmt.Fprintf(&b, " on %s %s", e.Method, e.Path)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind-only sentinels such as ErrTerminalAuth
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.StatusCode == 0 && t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Fatal reports whether the error ended the session
func (e *Error) Fatal() bool {
	return e.Kind == KindTerminalAuth
}

// IsKind reports whether err is an *Error of the given kind
func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// StatusCode returns the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// maxErrorBody bounds how much of an error response is read
const maxErrorBody = 64 * 1024

// newResponseError reads and closes resp.Body and builds an Error
func newResponseError(kind Kind, req Request, resp *http.Response) *Error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &Error{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Message:    MessageFromBody(body, resp.StatusCode),
		Method:     req.Method,
		Path:       req.Path,
	}
}

// MessageFromBody extracts a human-readable message from an error body.
// Priority: detail (string or list of {msg}), message, error_description,
// error, then the raw body, then the status text.
func MessageFromBody(body []byte, statusCode int) string {
	var payload struct {
		Detail           json.RawMessage `json:"detail"`
		Message          string          `json:"message"`
		ErrorDescription string          `json:"error_description"`
		Error            string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := detailMessage(payload.Detail); msg != "" {
			return msg
		}
		for _, msg := range []string{payload.Message, payload.ErrorDescription, payload.Error} {
			if msg != "" {
				return msg
			}
		}
	} else if text := strings.TrimSpace(string(body)); text != "" && !strings.HasPrefix(text, "<") {
		return truncateString(text, 200)
	}
	return http.StatusText(statusCode)
}

func detailMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	// validation errors: [{"loc": [...], "msg": "...", "type": "..."}]
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			if item.Msg != "" {
				msgs = append(msgs, item.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return ""
}

// truncateString truncates a string to maxLen characters
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...[truncated]"
}

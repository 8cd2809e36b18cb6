package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// Request describes one logical API call. It is a value: the pipeline
// builds a fresh *http.Request from it for every attempt, so a retry never
// carries the headers of the attempt that failed.
type Request struct {
	Method string
	Path   string // relative to the client's base URL
	Query  url.Values
	Header http.Header
	Body   []byte
	ID     string // sent as X-Request-ID, stable across the retry
}

// NewRequest creates a request descriptor with a fresh request ID
func NewRequest(method, path string) Request {
	return Request{
		Method: method,
		Path:   path,
		Header: make(http.Header),
		ID:     uuid.NewString(),
	}
}

// WithQuery returns a copy with the given query parameters
func (r Request) WithQuery(q url.Values) Request {
	out := r.clone()
	out.Query = make(url.Values, len(q))
	for k, v := range q {
		out.Query[k] = append([]string(nil), v...)
	}
	return out
}

// WithJSON returns a copy whose body is v encoded as JSON
func (r Request) WithJSON(v any) (Request, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Request{}, fmt.Errorf("failed to encode request body: %w", err)
	}
	out := r.clone()
	out.Body = data
	out.Header.Set("Content-Type", "application/json")
	return out, nil
}

// WithForm returns a copy whose body is values form-encoded
func (r Request) WithForm(values url.Values) Request {
	out := r.clone()
	out.Body = []byte(values.Encode())
	out.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return out
}

func (r Request) clone() Request {
	out := r
	if r.Header != nil {
		out.Header = r.Header.Clone()
	} else {
		out.Header = make(http.Header)
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}

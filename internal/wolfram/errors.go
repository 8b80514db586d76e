package wolfram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies an upstream failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotConfigured
	KindUnauthenticated
	KindBadInput
	KindUnintelligible
	KindRateLimited
	KindTimeout
	KindConnection
	KindCanceled
	KindHTTP
	KindEmpty
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindNotConfigured:   "not_configured",
	KindUnauthenticated: "unauthenticated",
	KindBadInput:        "bad_input",
	KindUnintelligible:  "unintelligible",
	KindRateLimited:     "rate_limited",
	KindTimeout:         "timeout",
	KindConnection:      "connection",
	KindCanceled:        "canceled",
	KindHTTP:            "http",
	KindEmpty:           "empty",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is returned by Client.Query for every failed call.
type Error struct {
	Kind    Kind
	Status  int
	Body    string
	Timeout time.Duration
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("wolfram: ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindUnknown
}

// Describe turns a Query error into text meant for the orchestrator reading the tool result.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var werr *Error
	if !errors.As(err, &werr) {
		werr = &Error{Kind: KindOf(err), Err: err}
	}

	switch werr.Kind {
	case KindNotConfigured:
		return "Error: the Wolfram|Alpha API key is not configured on the server."
	case KindUnauthenticated:
		body := strings.ToLower(werr.Body)
		switch {
		case strings.Contains(body, "invalid"):
			return fmt.Sprintf("Error %d: invalid Wolfram|Alpha AppID. Check the configured API key.", werr.Status)
		case strings.Contains(body, "missing"):
			return fmt.Sprintf("Error %d: the AppID is missing from the request.", werr.Status)
		default:
			return fmt.Sprintf("Error %d: authentication with Wolfram|Alpha failed.", werr.Status)
		}
	case KindBadInput:
		return fmt.Sprintf("Error %d: the 'input' parameter is missing or malformed.", werr.Status)
	case KindUnintelligible:
		if werr.Status == 0 || werr.Status == 200 {
			return "Wolfram|Alpha did not understand the query. Try rephrasing or simplifying it."
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Error %d: Wolfram|Alpha cannot interpret this query. Suggestions:\n", werr.Status)
		b.WriteString("- check the spelling\n")
		b.WriteString("- simplify the question\n")
		b.WriteString("- use keywords rather than long sentences\n")
		if werr.Body != "" {
			fmt.Fprintf(&b, "\nRaw response: %s", excerpt(werr.Body))
		}
		return b.String()
	case KindRateLimited:
		return fmt.Sprintf("Error %d: Wolfram|Alpha rate limit reached. Try again later.", werr.Status)
	case KindTimeout:
		if werr.Timeout > 0 {
			return fmt.Sprintf("Timeout (%s): Wolfram|Alpha took too long to respond. Try a simpler query.", werr.Timeout)
		}
		return "Timeout: Wolfram|Alpha took too long to respond. Try a simpler query."
	case KindConnection:
		return "Connection error: unable to reach Wolfram|Alpha."
	case KindCanceled:
		return "Request cancelled before Wolfram|Alpha answered."
	case KindEmpty:
		return "Wolfram|Alpha could not provide an answer for this query."
	case KindHTTP:
		if werr.Status != 0 && werr.Body != "" {
			return fmt.Sprintf("Error HTTP %d: %s", werr.Status, excerpt(werr.Body))
		}
		if werr.Status != 0 {
			return fmt.Sprintf("Error HTTP %d", werr.Status)
		}
		return fmt.Sprintf("HTTP request error: %v", werr.Err)
	default:
		return fmt.Sprintf("Unexpected error: %v", err)
	}
}

// excerpt keeps the first 200 runes of s.
func excerpt(s string) string {
	const limit = 200
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

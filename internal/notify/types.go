package notify

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("notify channel disabled")

// Error kinds reported in Result.ErrorKind.
const (
	KindInvalidToken = "invalid_token"
	KindTimeout      = "timeout"
	KindRateLimited  = "rate_limited"
	KindTemplate     = "template"
	KindTransport    = "transport"
)

// Result is the outcome of one send.
type Result struct {
	Success   bool
	ErrorKind string
	Err       error
}

func ok() Result { return Result{Success: true} }

func failed(kind string, err error) Result { return Result{ErrorKind: kind, Err: err} }

// PushGateway sends a push notification to a channel token.
//
// An invalid-token result is surfaced to the caller; clearing stale tokens is
// left to whoever owns the directory.
type PushGateway interface {
	Send(ctx context.Context, token, title, body string, metadata map[string]string) Result
}

// EmailGateway renders templateID with vars and sends it to address.
type EmailGateway interface {
	SendTemplate(ctx context.Context, address, templateID string, vars map[string]string) Result
}

type PushConfig struct {
	Enabled    bool
	Provider   string // telegram|log
	Token      string
	RatePerSec int
	Timeout    time.Duration
}

type EmailConfig struct {
	Enabled    bool
	Provider   string // smtp|log
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	RatePerSec int
	Timeout    time.Duration
	Templates  map[string]Template
}

// Template is a text/template pair. Variables are referenced as {{.name}}.
type Template struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
)

var ErrNacked = errors.New("counterparty answered NACK")

// ValidationError is returned before any signing or network work happens.
type ValidationError struct {
	Action  ondc.Action
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Action))
	b.WriteString(": ")
	if len(e.Missing) > 0 {
		b.WriteString("missing required fields: ")
		b.WriteString(strings.Join(e.Missing, ", "))
		if e.Reason != "" {
			b.WriteString("; ")
		}
	}
	b.WriteString(e.Reason)
	return b.String()
}

// DispatchError covers network failures and non-ACK immediate answers. It
// says nothing about whether the counterparty will eventually fulfil the
// action; only a callback does.
type DispatchError struct {
	Action     ondc.Action
	Endpoint   string
	StatusCode int
	Nack       *ondc.Error
	Err        error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("dispatch %s to %s", e.Action, e.Endpoint)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Nack != nil && (e.Nack.Code != "" || e.Nack.Message != "") {
		msg += fmt.Sprintf(": nack %s %s", e.Nack.Code, e.Nack.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Unwrap() error { return e.Err }

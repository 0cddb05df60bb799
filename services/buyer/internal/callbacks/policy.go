package callbacks

import (
	"fmt"
	"strings"

	"github.com/prithviraju1369/ontheline.in/pkg/ondc"
)

// Class names a callback failure whose answer is configurable.
type Class string

const (
	ClassMalformed        Class = "malformed"
	ClassSignatureInvalid Class = "signature_invalid"
	ClassQueueFull        Class = "queue_full"
	ClassReceiptFailed    Class = "receipt_failed"
	ClassDuplicate        Class = "duplicate"
	ClassStale            Class = "stale"
)

// Policy maps each failure class to the acknowledgement we send for it.
type Policy map[Class]ondc.AckStatus

func DefaultPolicy() Policy {
	return Policy{
		ClassMalformed:        ondc.NACK,
		ClassSignatureInvalid: ondc.NACK,
		ClassQueueFull:        ondc.NACK,
		ClassReceiptFailed:    ondc.ACK,
		ClassDuplicate:        ondc.ACK,
		ClassStale:            ondc.ACK,
	}
}

// NewPolicy overlays raw (class -> "ACK"|"NACK") onto the defaults.
func NewPolicy(raw map[string]string) (Policy, error) {
	p := DefaultPolicy()
	for class, answer := range raw {
		c := Class(strings.ToLower(strings.TrimSpace(class)))
		if _, ok := p[c]; !ok {
			return nil, fmt.Errorf("unknown callback failure class %q", class)
		}
		switch ondc.AckStatus(strings.ToUpper(strings.TrimSpace(answer))) {
		case ondc.ACK:
			p[c] = ondc.ACK
		case ondc.NACK:
			p[c] = ondc.NACK
		default:
			return nil, fmt.Errorf("callback policy %s: want ACK or NACK, got %q", class, answer)
		}
	}
	return p, nil
}

func (p Policy) answer(c Class) ondc.AckStatus {
	if s, ok := p[c]; ok {
		return s
	}
	return DefaultPolicy()[c]
}

package ondc

type AckStatus string

const (
	ACK  AckStatus = "ACK"
	NACK AckStatus = "NACK"
)

// Error is the protocol error object carried next to a NACK.
type Error struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message,omitempty"`
}

type Ack struct {
	Status AckStatus `json:"status"`
}

type AckMessage struct {
	Ack Ack `json:"ack"`
}

// AckResponse is both the synchronous reply from a counterparty to our
// requests and our reply to their callbacks.
type AckResponse struct {
	Message AckMessage `json:"message"`
	Error   *Error     `json:"error,omitempty"`
}

func NewAck(status AckStatus, e *Error) AckResponse {
	return AckResponse{Message: AckMessage{Ack: Ack{Status: status}}, Error: e}
}

func (r AckResponse) Acked() bool { return r.Message.Ack.Status == ACK }

package callbacks

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	StatusAccepted = "ACCEPTED"
	StatusRejected = "REJECTED"
)

type Receipt struct {
	ReceiptID        string
	Action           string
	TransactionID    string
	MessageID        string
	CounterpartyID   string
	ReceivedAt       time.Time
	RequestMethod    string
	RequestPath      string
	RawBody          []byte
	RawBodySHA256    string
	HeadersCanonical json.RawMessage
	HeadersSHA256    string
	RequestSHA256    string
	SignatureValid   bool
	SignatureScheme  string
	SignatureDetails map[string]any
	ProcessingStatus string
}

// ReceiptStore records inbound deliveries. inserted is false when the same
// (action, transaction_id, message_id) was already recorded.
type ReceiptStore interface {
	InsertReceipt(ctx context.Context, receipt Receipt) (inserted bool, receiptID string, err error)
}

type PGReceiptStore struct {
	DB *pgxpool.Pool
}

func NewPGReceiptStore(db *pgxpool.Pool) *PGReceiptStore {
	return &PGReceiptStore{DB: db}
}

func (s *PGReceiptStore) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schemaSQL)
	return err
}

func (s *PGReceiptStore) InsertReceipt(ctx context.Context, receipt Receipt) (inserted bool, receiptID string, err error) {
	detailsJSON, err := json.Marshal(receipt.SignatureDetails)
	if err != nil {
		return false, "", err
	}
	headers := receipt.HeadersCanonical
	if len(headers) == 0 {
		headers = json.RawMessage(`{}`)
	}

	err = s.DB.QueryRow(ctx, `
INSERT INTO callback_receipts(
  action,transaction_id,message_id,counterparty_id,received_at,request_method,request_path,
  raw_body,raw_body_sha256,headers_canonical_json,headers_sha256,request_sha256,
  signature_valid,signature_scheme,signature_details,processing_status
)
VALUES(
  $1,$2,$3,$4,$5,$6,$7,
  $8,$9,$10::jsonb,$11,$12,
  $13,$14,$15::jsonb,$16
)
ON CONFLICT (action,transaction_id,message_id) DO NOTHING
RETURNING receipt_id::text
`, receipt.Action, receipt.TransactionID, receipt.MessageID, receipt.CounterpartyID, receipt.ReceivedAt.UTC(), receipt.RequestMethod, receipt.RequestPath,
		receipt.RawBody, receipt.RawBodySHA256, string(headers), receipt.HeadersSHA256, receipt.RequestSHA256,
		receipt.SignatureValid, receipt.SignatureScheme, string(detailsJSON), receipt.ProcessingStatus).Scan(&receiptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, "", nil
		}
		return false, "", err
	}
	return true, receiptID, nil
}

// MemoryReceiptStore keeps receipts in process, for local runs.
type MemoryReceiptStore struct {
	mu   sync.Mutex
	seen map[string]Receipt
}

func NewMemoryReceiptStore() *MemoryReceiptStore {
	return &MemoryReceiptStore{seen: map[string]Receipt{}}
}

func (s *MemoryReceiptStore) InsertReceipt(_ context.Context, receipt Receipt) (bool, string, error) {
	key := receipt.Action + "|" + receipt.TransactionID + "|" + receipt.MessageID
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false, "", nil
	}
	receipt.ReceiptID = uuid.NewString()
	s.seen[key] = receipt
	return true, receipt.ReceiptID, nil
}

func (s *MemoryReceiptStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

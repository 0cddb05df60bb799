package idempotency

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Key scopes a client-supplied idempotency key to a user and an endpoint.
type Key struct {
	UserID   string
	Key      string
	Endpoint string
}

type Record struct {
	Status int
	Body   map[string]any
}

type Store interface {
	GetIdempotencyRecord(ctx context.Context, k Key) (Record, bool, error)
	SaveIdempotencyRecord(ctx context.Context, k Key, rec Record) error
}

func Replay(ctx context.Context, st Store, k Key) (Record, bool, error) {
	if k.Key == "" {
		return Record{}, false, nil
	}
	rec, found, err := st.GetIdempotencyRecord(ctx, k)
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func Save(ctx context.Context, st Store, k Key, rec Record) error {
	if k.Key == "" {
		return nil
	}
	return st.SaveIdempotencyRecord(ctx, k, rec)
}

type MemoryStore struct {
	mu      sync.Mutex
	records map[Key]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[Key]Record{}}
}

func (s *MemoryStore) GetIdempotencyRecord(_ context.Context, k Key) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[k]
	return rec, ok, nil
}

// SaveIdempotencyRecord keeps the first response recorded for a key.
func (s *MemoryStore) SaveIdempotencyRecord(_ context.Context, k Key, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[k]; !ok {
		s.records[k] = rec
	}
	return nil
}

type PGStore struct {
	DB *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{DB: db}
}

func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, schemaSQL)
	return err
}

func (s *PGStore) GetIdempotencyRecord(ctx context.Context, k Key) (Record, bool, error) {
	var rec Record
	var body []byte
	err := s.DB.QueryRow(ctx, `
SELECT response_status, response_body
FROM idempotency_records
WHERE user_id=$1 AND idempotency_key=$2 AND endpoint=$3
`, k.UserID, k.Key, k.Endpoint).Scan(&rec.Status, &body)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	if err := json.Unmarshal(body, &rec.Body); err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *PGStore) SaveIdempotencyRecord(ctx context.Context, k Key, rec Record) error {
	body, err := json.Marshal(rec.Body)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(ctx, `
INSERT INTO idempotency_records(user_id, idempotency_key, endpoint, response_status, response_body)
VALUES($1,$2,$3,$4,$5::jsonb)
ON CONFLICT (user_id, idempotency_key, endpoint) DO NOTHING
`, k.UserID, k.Key, k.Endpoint, rec.Status, string(body))
	return err
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/countersign/countersign/pkg/contract"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS contracts (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	draft_url TEXT NOT NULL,
	signed_url TEXT,
	digest TEXT,
	signed_at TEXT,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS signers (
	id TEXT PRIMARY KEY,
	contract_id TEXT REFERENCES contracts(id),
	name TEXT NOT NULL,
	email TEXT NOT NULL,
	signed_at TEXT,
	page INTEGER NOT NULL,
	x DOUBLE PRECISION NOT NULL,
	y DOUBLE PRECISION NOT NULL,
	width DOUBLE PRECISION NOT NULL,
	height DOUBLE PRECISION NOT NULL,
	signature_url TEXT,
	document_url TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signers_contract ON signers(contract_id);
`

// Init creates the schema.
func (s *SQLStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const signerColumns = `id, contract_id, name, email, signed_at, page, x, y, width, height, signature_url, document_url, created_at`

const contractColumns = `id, title, status, draft_url, signed_url, digest, signed_at, created_at`

func (s *SQLStore) GetSignerWithContract(ctx context.Context, signerID, contractID string) (*SignerContract, error) {
	// The contract_id predicate is the confinement check: a signer of another
	// contract is indistinguishable from a missing one.
	query := `
		SELECT s.id, s.contract_id, s.name, s.email, s.signed_at, s.page, s.x, s.y, s.width, s.height,
		       s.signature_url, s.document_url, s.created_at,
		       c.id, c.title, c.status, c.draft_url, c.signed_url, c.digest, c.signed_at, c.created_at
		FROM signers s
		JOIN contracts c ON c.id = s.contract_id
		WHERE s.id = $1 AND s.contract_id = $2
	`
	var (
		sr signerRow
		cr contractRow
	)
	err := s.db.QueryRowContext(ctx, query, signerID, contractID).Scan(
		append(sr.dest(), cr.dest()...)...,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get signer %s: %w", signerID, err)
	}

	signer, err := sr.signer()
	if err != nil {
		return nil, err
	}
	c, err := cr.contract()
	if err != nil {
		return nil, err
	}
	if c.SignerIDs, err = s.signerIDs(ctx, c.ID); err != nil {
		return nil, err
	}
	return &SignerContract{Signer: signer, Contract: c}, nil
}

func (s *SQLStore) MarkSignerSigned(ctx context.Context, signerID string, rec SignatureRecord) (bool, error) {
	query := `
		UPDATE signers
		SET signed_at = $1, signature_url = $2, document_url = $3
		WHERE id = $4 AND signed_at IS NULL
		AND EXISTS (SELECT 1 FROM contracts c WHERE c.id = signers.contract_id AND c.status = $5)
	`
	res, err := s.db.ExecContext(ctx, query,
		formatTime(rec.SignedAt), rec.SignatureURL, rec.DocumentURL, signerID,
		string(contract.StatusPendingSignature),
	)
	if err != nil {
		return false, fmt.Errorf("mark signer %s signed: %w", signerID, err)
	}
	return s.applied(ctx, res, "signers", signerID)
}

func (s *SQLStore) CountPendingSigners(ctx context.Context, contractID string) (int, error) {
	query := `SELECT COUNT(*) FROM signers WHERE contract_id = $1 AND signed_at IS NULL`
	var n int
	if err := s.db.QueryRowContext(ctx, query, contractID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending signers: %w", err)
	}
	return n, nil
}

func (s *SQLStore) FinalizeContract(ctx context.Context, contractID string, fin Finalization) (bool, error) {
	query := `
		UPDATE contracts
		SET status = $1, signed_url = $2, digest = $3, signed_at = $4
		WHERE id = $5 AND status = $6
	`
	res, err := s.db.ExecContext(ctx, query,
		string(contract.StatusSigned), fin.SignedURL, fin.Digest, formatTime(fin.SignedAt),
		contractID, string(contract.StatusPendingSignature),
	)
	if err != nil {
		return false, fmt.Errorf("finalize contract %s: %w", contractID, err)
	}
	return s.applied(ctx, res, "contracts", contractID)
}

func (s *SQLStore) CancelContract(ctx context.Context, contractID string) (bool, error) {
	query := `UPDATE contracts SET status = $1 WHERE id = $2 AND status = $3`
	res, err := s.db.ExecContext(ctx, query,
		string(contract.StatusCancelled), contractID, string(contract.StatusPendingSignature),
	)
	if err != nil {
		return false, fmt.Errorf("cancel contract %s: %w", contractID, err)
	}
	return s.applied(ctx, res, "contracts", contractID)
}

// applied interprets a conditional update. Zero rows means either the
// condition failed or the row is missing; the latter is ErrNotFound.
func (s *SQLStore) applied(ctx context.Context, res sql.Result, table, id string) (bool, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	var one int
	// table is one of two constants, never caller input.
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("check %s %s: %w", table, id, err)
	}
	return false, nil
}

func (s *SQLStore) CreateSigner(ctx context.Context, in NewSigner) (string, error) {
	id := signerIDPrefix + uuid.NewString()
	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	query := `
		INSERT INTO signers (id, name, email, page, x, y, width, height, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	p := in.Placement
	if _, err := s.db.ExecContext(ctx, query,
		id, in.Name, in.Email, p.Page, p.X, p.Y, p.Width, p.Height, formatTime(created),
	); err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}
	return id, nil
}

func (s *SQLStore) CreateContract(ctx context.Context, in NewContract, signerIDs []string) (string, error) {
	if len(signerIDs) == 0 {
		return "", fmt.Errorf("create contract: at least one signer is required")
	}
	id := contractIDPrefix + uuid.NewString()
	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	status := in.Status
	if status == "" {
		status = contract.StatusPendingSignature
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO contracts (id, title, status, draft_url, created_at) VALUES ($1, $2, $3, $4, $5)`,
		id, in.Title, string(status), in.DraftURL, formatTime(created),
	); err != nil {
		return "", fmt.Errorf("create contract: %w", err)
	}

	for _, sid := range signerIDs {
		res, err := tx.ExecContext(ctx,
			`UPDATE signers SET contract_id = $1 WHERE id = $2 AND contract_id IS NULL`, id, sid)
		if err != nil {
			return "", fmt.Errorf("attach signer %s: %w", sid, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("failed to check rows affected: %w", err)
		}
		if n != 1 {
			return "", fmt.Errorf("attach signer %s: missing or already attached: %w", sid, ErrNotFound)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit contract: %w", err)
	}
	return id, nil
}

func (s *SQLStore) GetContract(ctx context.Context, contractID string) (*contract.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE id = $1`
	var cr contractRow
	if err := s.db.QueryRowContext(ctx, query, contractID).Scan(cr.dest()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contract %s: %w", contractID, ErrNotFound)
		}
		return nil, fmt.Errorf("get contract %s: %w", contractID, err)
	}
	c, err := cr.contract()
	if err != nil {
		return nil, err
	}
	if c.SignerIDs, err = s.signerIDs(ctx, c.ID); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLStore) ListSigners(ctx context.Context, contractID string) ([]contract.Signer, error) {
	query := `SELECT ` + signerColumns + ` FROM signers WHERE contract_id = $1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, contractID)
	if err != nil {
		return nil, fmt.Errorf("list signers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]contract.Signer, 0)
	for rows.Next() {
		var sr signerRow
		if err := rows.Scan(sr.dest()...); err != nil {
			return nil, fmt.Errorf("scan signer: %w", err)
		}
		signer, err := sr.signer()
		if err != nil {
			return nil, err
		}
		result = append(result, *signer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list signers: %w", err)
	}
	return result, nil
}

func (s *SQLStore) DeleteSigners(ctx context.Context, signerIDs []string) error {
	for _, id := range signerIDs {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM signers WHERE id = $1 AND contract_id IS NULL`, id); err != nil {
			return fmt.Errorf("delete signer %s: %w", id, err)
		}
	}
	return nil
}

func (s *SQLStore) signerIDs(ctx context.Context, contractID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM signers WHERE contract_id = $1 ORDER BY id`, contractID)
	if err != nil {
		return nil, fmt.Errorf("list signer ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan signer id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Timestamps are stored as RFC 3339 text so both dialects round-trip them
// identically.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type signerRow struct {
	id, name, email, createdAt           string
	contractID, signedAt, sigURL, docURL sql.NullString
	page                                 int
	x, y, width, height                  float64
}

func (r *signerRow) dest() []any {
	return []any{
		&r.id, &r.contractID, &r.name, &r.email, &r.signedAt,
		&r.page, &r.x, &r.y, &r.width, &r.height,
		&r.sigURL, &r.docURL, &r.createdAt,
	}
}

func (r *signerRow) signer() (*contract.Signer, error) {
	signedAt, err := parseNullTime(r.signedAt)
	if err != nil {
		return nil, err
	}
	created, err := parseTime(r.createdAt)
	if err != nil {
		return nil, err
	}
	return &contract.Signer{
		ID:           r.id,
		ContractID:   r.contractID.String,
		Name:         r.name,
		Email:        r.email,
		SignedAt:     signedAt,
		Placement:    contract.Placement{Page: r.page, X: r.x, Y: r.y, Width: r.width, Height: r.height},
		SignatureURL: r.sigURL.String,
		DocumentURL:  r.docURL.String,
		CreatedAt:    created,
	}, nil
}

type contractRow struct {
	id, title, status, draftURL, createdAt string
	signedURL, digest, signedAt            sql.NullString
}

func (r *contractRow) dest() []any {
	return []any{&r.id, &r.title, &r.status, &r.draftURL, &r.signedURL, &r.digest, &r.signedAt, &r.createdAt}
}

func (r *contractRow) contract() (*contract.Contract, error) {
	signedAt, err := parseNullTime(r.signedAt)
	if err != nil {
		return nil, err
	}
	created, err := parseTime(r.createdAt)
	if err != nil {
		return nil, err
	}
	return &contract.Contract{
		ID:        r.id,
		Title:     r.title,
		Status:    contract.Status(r.status),
		DraftURL:  r.draftURL,
		SignedURL: r.signedURL.String,
		Digest:    r.digest.String,
		SignedAt:  signedAt,
		CreatedAt: created,
	}, nil
}

package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/countersign/countersign/pkg/contract"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db), mock
}

func TestSQLStore_MarkSignerSignedConditional(t *testing.T) {
	s, mock := newMockStore(t)
	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE signers
		SET signed_at = $1, signature_url = $2, document_url = $3
		WHERE id = $4 AND signed_at IS NULL
		AND EXISTS (SELECT 1 FROM contracts c WHERE c.id = signers.contract_id AND c.status = $5)`)).
		WithArgs("2026-05-01T09:00:00Z", "s3://b/sig.png", "s3://b/doc.pdf", "sgn_1", "pending_signature").
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := s.MarkSignerSigned(context.Background(), "sgn_1", SignatureRecord{
		SignedAt: at, SignatureURL: "s3://b/sig.png", DocumentURL: "s3://b/doc.pdf",
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_MarkSignerSignedAlreadySigned(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE signers`)).
		WithArgs(sqlmock.AnyArg(), "", "", "sgn_1", "pending_signature").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM signers WHERE id = $1`)).
		WithArgs("sgn_1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	applied, err := s.MarkSignerSigned(context.Background(), "sgn_1", SignatureRecord{SignedAt: time.Now()})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_FinalizeMissingContract(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE contracts`)).
		WithArgs("signed", "s3://b/final.pdf", "abc", sqlmock.AnyArg(), "ctr_1", "pending_signature").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM contracts WHERE id = $1`)).
		WithArgs("ctr_1").
		WillReturnError(sql.ErrNoRows)

	_, err := s.FinalizeContract(context.Background(), "ctr_1", Finalization{
		SignedURL: "s3://b/final.pdf", Digest: "abc", SignedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CountPendingSigners(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM signers WHERE contract_id = $1 AND signed_at IS NULL`)).
		WithArgs("ctr_1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := s.CountPendingSigners(context.Background(), "ctr_1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetSignerWithContractMismatch(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE s.id = $1 AND s.contract_id = $2`)).
		WithArgs("sgn_1", "ctr_other").
		WillReturnError(sql.ErrNoRows)

	got, err := s.GetSignerWithContract(context.Background(), "sgn_1", "ctr_other")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetSignerWithContract(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{
		"id", "contract_id", "name", "email", "signed_at", "page", "x", "y", "width", "height",
		"signature_url", "document_url", "created_at",
		"id", "title", "status", "draft_url", "signed_url", "digest", "signed_at", "created_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM signers s`)).
		WithArgs("sgn_1", "ctr_1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"sgn_1", "ctr_1", "Ana", "ana@example.com", nil, 0, 72.0, 650.0, 150.0, 60.0,
			nil, nil, "2026-05-01T09:00:00Z",
			"ctr_1", "Lease", "pending_signature", "s3://b/draft.pdf", nil, nil, nil, "2026-05-01T08:00:00Z",
		))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM signers WHERE contract_id = $1 ORDER BY id`)).
		WithArgs("ctr_1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("sgn_1").AddRow("sgn_2"))

	got, err := s.GetSignerWithContract(context.Background(), "sgn_1", "ctr_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Ana", got.Signer.Name)
	assert.Equal(t, 650.0, got.Signer.Placement.Y)
	assert.Nil(t, got.Signer.SignedAt)
	assert.Equal(t, contract.StatusPendingSignature, got.Contract.Status)
	assert.Equal(t, []string{"sgn_1", "sgn_2"}, got.Contract.SignerIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CreateContractRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO contracts`)).
		WithArgs(sqlmock.AnyArg(), "Lease", "pending_signature", "s3://b/draft.pdf", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE signers SET contract_id = $1 WHERE id = $2 AND contract_id IS NULL`)).
		WithArgs(sqlmock.AnyArg(), "sgn_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE signers SET contract_id = $1`)).
		WithArgs(sqlmock.AnyArg(), "sgn_2").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.CreateContract(context.Background(), NewContract{Title: "Lease", DraftURL: "s3://b/draft.pdf"}, []string{"sgn_1", "sgn_2"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

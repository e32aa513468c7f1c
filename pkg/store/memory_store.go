package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/countersign/countersign/pkg/contract"
)

// MemoryStore is an in-process Store for tests and local development.
// Conditional writes are serialized by a single mutex.
type MemoryStore struct {
	mu        sync.Mutex
	signers   map[string]*contract.Signer
	contracts map[string]*contract.Contract
	closed    bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		signers:   make(map[string]*contract.Signer),
		contracts: make(map[string]*contract.Contract),
	}
}

func (m *MemoryStore) check(ctx context.Context) error {
	if m.closed {
		return fmt.Errorf("store closed")
	}
	return ctx.Err()
}

func (m *MemoryStore) GetSignerWithContract(ctx context.Context, signerID, contractID string) (*SignerContract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	s, ok := m.signers[signerID]
	if !ok || s.ContractID != contractID {
		return nil, nil
	}
	c, ok := m.contracts[contractID]
	if !ok {
		return nil, nil
	}
	return &SignerContract{Signer: cloneSigner(s), Contract: m.cloneContract(c)}, nil
}

func (m *MemoryStore) MarkSignerSigned(ctx context.Context, signerID string, rec SignatureRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}

	s, ok := m.signers[signerID]
	if !ok {
		return false, fmt.Errorf("signers %s: %w", signerID, ErrNotFound)
	}
	if s.SignedAt != nil {
		return false, nil
	}
	if c, ok := m.contracts[s.ContractID]; !ok || c.Status != contract.StatusPendingSignature {
		return false, nil
	}
	at := rec.SignedAt.UTC()
	s.SignedAt = &at
	s.SignatureURL = rec.SignatureURL
	s.DocumentURL = rec.DocumentURL
	return true, nil
}

func (m *MemoryStore) CountPendingSigners(ctx context.Context, contractID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}

	n := 0
	for _, s := range m.signers {
		if s.ContractID == contractID && s.SignedAt == nil {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) FinalizeContract(ctx context.Context, contractID string, fin Finalization) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}

	c, ok := m.contracts[contractID]
	if !ok {
		return false, fmt.Errorf("contracts %s: %w", contractID, ErrNotFound)
	}
	if c.Status != contract.StatusPendingSignature {
		return false, nil
	}
	at := fin.SignedAt.UTC()
	c.Status = contract.StatusSigned
	c.SignedURL = fin.SignedURL
	c.Digest = fin.Digest
	c.SignedAt = &at
	return true, nil
}

func (m *MemoryStore) CancelContract(ctx context.Context, contractID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}

	c, ok := m.contracts[contractID]
	if !ok {
		return false, fmt.Errorf("contracts %s: %w", contractID, ErrNotFound)
	}
	if c.Status != contract.StatusPendingSignature {
		return false, nil
	}
	c.Status = contract.StatusCancelled
	return true, nil
}

func (m *MemoryStore) CreateSigner(ctx context.Context, in NewSigner) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return "", err
	}

	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	id := signerIDPrefix + uuid.NewString()
	m.signers[id] = &contract.Signer{
		ID:        id,
		Name:      in.Name,
		Email:     in.Email,
		Placement: in.Placement,
		CreatedAt: created.UTC(),
	}
	return id, nil
}

func (m *MemoryStore) CreateContract(ctx context.Context, in NewContract, signerIDs []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return "", err
	}
	if len(signerIDs) == 0 {
		return "", fmt.Errorf("create contract: at least one signer is required")
	}
	for _, sid := range signerIDs {
		s, ok := m.signers[sid]
		if !ok || s.ContractID != "" {
			return "", fmt.Errorf("attach signer %s: missing or already attached: %w", sid, ErrNotFound)
		}
	}

	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	status := in.Status
	if status == "" {
		status = contract.StatusPendingSignature
	}
	id := contractIDPrefix + uuid.NewString()
	m.contracts[id] = &contract.Contract{
		ID:        id,
		Title:     in.Title,
		Status:    status,
		DraftURL:  in.DraftURL,
		CreatedAt: created.UTC(),
	}
	for _, sid := range signerIDs {
		m.signers[sid].ContractID = id
	}
	return id, nil
}

func (m *MemoryStore) GetContract(ctx context.Context, contractID string) (*contract.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	c, ok := m.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", contractID, ErrNotFound)
	}
	return m.cloneContract(c), nil
}

func (m *MemoryStore) ListSigners(ctx context.Context, contractID string) ([]contract.Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	out := make([]contract.Signer, 0)
	for _, s := range m.signers {
		if s.ContractID == contractID {
			out = append(out, *cloneSigner(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteSigners(ctx context.Context, signerIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	for _, id := range signerIDs {
		if s, ok := m.signers[id]; ok && s.ContractID == "" {
			delete(m.signers, id)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) signerIDs(contractID string) []string {
	ids := make([]string, 0)
	for id, s := range m.signers {
		if s.ContractID == contractID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *MemoryStore) cloneContract(c *contract.Contract) *contract.Contract {
	out := *c
	if c.SignedAt != nil {
		t := *c.SignedAt
		out.SignedAt = &t
	}
	out.SignerIDs = m.signerIDs(c.ID)
	return &out
}

func cloneSigner(s *contract.Signer) *contract.Signer {
	out := *s
	if s.SignedAt != nil {
		t := *s.SignedAt
		out.SignedAt = &t
	}
	return &out
}

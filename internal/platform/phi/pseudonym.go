package phi

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Identity is the combination of identifying attributes used to recognize
// the same patient across uploads. Values are taken from the DICOM header
// before de-identification.
type Identity struct {
	PatientID   string
	PatientName string
	BirthDate   string
}

// Digest returns a stable hex digest of the identity. Only the digest is
// ever persisted; the identifying values themselves stay out of the
// pseudonym table.
func (i Identity) Digest() string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(i.PatientID)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(i.PatientName)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(i.BirthDate)))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Pseudonymizer assigns stable ANON-numbered labels to patient identities.
// The same identity always receives the same label.
type Pseudonymizer interface {
	Assign(ctx context.Context, identity Identity) (string, error)
}

// PGPseudonymizer persists assignments in the pseudonyms table. The label is
// derived from the row's serial, so concurrent first-time assignments of the
// same identity converge on one label.
type PGPseudonymizer struct {
	pool *pgxpool.Pool
}

func NewPGPseudonymizer(pool *pgxpool.Pool) *PGPseudonymizer {
	return &PGPseudonymizer{pool: pool}
}

func (p *PGPseudonymizer) Assign(ctx context.Context, identity Identity) (string, error) {
	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
	var label string
	err := p.pool.QueryRow(ctx, `
		INSERT INTO pseudonyms (digest) VALUES ($1)
		ON CONFLICT (digest) DO UPDATE SET digest = EXCLUDED.digest
		RETURNING 'ANON-' || lpad(id::text, 6, '0')`,
		identity.Digest(),
	).Scan(&label)
	if err != nil {
		return "", fmt.Errorf("assign pseudonym: %w", err)
	}
	return label, nil
}

// MemPseudonymizer is an in-memory Pseudonymizer for development and tests.
type MemPseudonymizer struct {
	mu     sync.Mutex
	labels map[string]string
	next   int
}

func NewMemPseudonymizer() *MemPseudonymizer {
	return &MemPseudonymizer{labels: make(map[string]string)}
}

func (p *MemPseudonymizer) Assign(_ context.Context, identity Identity) (string, error) {
	digest := identity.Digest()

	p.mu.Lock()
	defer p.mu.Unlock()

	if label, ok := p.labels[digest]; ok {
		return label, nil
	}
	p.next++
	label := fmt.Sprintf("ANON-%06d", p.next)
	p.labels[digest] = label
	return label, nil
}

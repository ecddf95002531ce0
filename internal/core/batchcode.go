package core

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"sterilcore/internal/clock"
	"sterilcore/pkg/domain"
)

// batchAlphabet is Crockford-style base32: digits and upper-case letters
// without I, L, O and U, so codes survive hand transcription.
const batchAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	batchSuffixLen  = 6
	singleSuffixLen = 4
	maxCodeAttempts = 16
)

// ErrCodeSpaceExhausted is returned when every nonce produced a code that
// already exists.
var ErrCodeSpaceExhausted = errors.New("batch code attempts exhausted")

// BatchCodeGenerator produces label codes of the form B-YYMMDD-XXXXXX for
// batches and S-YYMMDD-XXXX for single tools.
type BatchCodeGenerator struct {
	clock   clock.Clock
	entropy io.Reader
}

// NewBatchCodeGenerator builds a generator. Entropy is mixed into every
// candidate; pass crypto/rand.Reader outside of tests.
func NewBatchCodeGenerator(clk clock.Clock, entropy io.Reader) *BatchCodeGenerator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &BatchCodeGenerator{clock: clk, entropy: entropy}
}

// Candidate derives the code for one attempt.
func (g *BatchCodeGenerator) Candidate(facilityID, operator string, toolCount, nonce int) (string, error) {
	now := g.clock.Now()
	var salt [4]byte
	if g.entropy != nil {
		if _, err := io.ReadFull(g.entropy, salt[:]); err != nil {
			return "", fmt.Errorf("batch code entropy: %w", err)
		}
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d|%d|", facilityID, operator, toolCount, now.UnixNano(), nonce)
	h.Write(salt[:])
	sum := h.Sum(nil)

	prefix, length := "B", batchSuffixLen
	if toolCount == 1 {
		prefix, length = "S", singleSuffixLen
	}
	bits := binary.BigEndian.Uint64(sum[:8])
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(batchAlphabet[bits&31])
		bits >>= 5
	}
	return prefix + "-" + now.Format("060102") + "-" + b.String(), nil
}

// Generate reserves a code unused by the store within tx. Collisions are
// retried with the next nonce.
func (g *BatchCodeGenerator) Generate(tx domain.Transaction, facilityID, operator string, toolCount int, cycleID string) (domain.BatchCode, error) {
	if toolCount < 1 {
		return domain.BatchCode{}, fmt.Errorf("batch code requires at least one tool, got %d", toolCount)
	}
	for nonce := 0; nonce < maxCodeAttempts; nonce++ {
		code, err := g.Candidate(facilityID, operator, toolCount, nonce)
		if err != nil {
			return domain.BatchCode{}, err
		}
		if _, taken := tx.Snapshot().FindBatchCode(code); taken {
			continue
		}
		created, err := tx.CreateBatchCode(domain.BatchCode{
			Code:        code,
			FacilityID:  facilityID,
			CycleID:     cycleID,
			GeneratedAt: g.clock.Now(),
			Operator:    operator,
			ToolCount:   toolCount,
			Single:      toolCount == 1,
		})
		if errors.Is(err, domain.ErrDuplicate) {
			continue
		}
		return created, err
	}
	return domain.BatchCode{}, ErrCodeSpaceExhausted
}

// GenerateBatchCode issues a standalone label code for toolCount tools.
func (s *Service) GenerateBatchCode(ctx context.Context, toolCount int, operator string) (domain.BatchCode, error) {
	name, err := validateOperator(operator)
	if err != nil {
		return domain.BatchCode{}, err
	}
	var code domain.BatchCode
	err = s.observe(ctx, "generate_batch", func(ctx context.Context) (string, error) {
		_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			c, err := s.batches.Generate(tx, s.facilityID, name, toolCount, "")
			code = c
			return err
		})
		return code.Code, err
	})
	return code, err
}

// ListBatchCodes returns the facility's issued codes.
func (s *Service) ListBatchCodes(ctx context.Context) ([]domain.BatchCode, error) {
	var out []domain.BatchCode
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		out = v.ListBatchCodes(s.facilityID)
		return nil
	})
	return out, err
}

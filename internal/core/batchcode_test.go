package core

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"sterilcore/internal/clock"
	"sterilcore/pkg/domain"
)

var (
	batchCodeFormat  = regexp.MustCompile(`^B-\d{6}-[0-9A-HJKMNP-TV-Z]{6}$`)
	singleCodeFormat = regexp.MustCompile(`^S-\d{6}-[0-9A-HJKMNP-TV-Z]{4}$`)
)

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestBatchCodesAreDistinct(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := svc.GenerateBatchCode(ctx, 3, "Alice")
		if err != nil {
			t.Fatalf("generate %d: %v", i, err)
		}
		if _, dup := seen[code.Code]; dup {
			t.Fatalf("duplicate code %s after %d codes", code.Code, i)
		}
		seen[code.Code] = struct{}{}
	}
	codes, _ := svc.ListBatchCodes(ctx)
	if len(codes) != 200 {
		t.Fatalf("expected 200 stored codes, got %d", len(codes))
	}
}

func TestBatchCodeFormat(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	batch, err := svc.GenerateBatchCode(ctx, 12, "Alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !batchCodeFormat.MatchString(batch.Code) || batch.Code[2:8] != "260310" || batch.Single {
		t.Fatalf("unexpected batch code %+v", batch)
	}
	single, err := svc.GenerateBatchCode(ctx, 1, "Alice")
	if err != nil {
		t.Fatalf("generate single: %v", err)
	}
	if !singleCodeFormat.MatchString(single.Code) || !single.Single || single.CycleID != "" {
		t.Fatalf("unexpected single code %+v", single)
	}
}

func TestBatchCodeRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.GenerateBatchCode(ctx, 0, "Alice"); err == nil {
		t.Fatal("expected error for zero tools")
	}
	if _, err := svc.GenerateBatchCode(ctx, 2, "A"); !errors.Is(err, domain.ErrInvalidOperator) {
		t.Fatalf("expected ErrInvalidOperator, got %v", err)
	}
}

func TestBatchCodeRetriesCollisions(t *testing.T) {
	svc, _ := newTestService(t, WithEntropy(zeroReader{}))
	ctx := context.Background()
	gen := NewBatchCodeGenerator(clock.NewFake(testStart), zeroReader{})
	first, _ := gen.Candidate("fac-1", "Alice", 3, 0)
	second, _ := gen.Candidate("fac-1", "Alice", 3, 1)

	a, err := svc.GenerateBatchCode(ctx, 3, "Alice")
	if err != nil || a.Code != first {
		t.Fatalf("first code = %s (%v), want %s", a.Code, err, first)
	}
	b, err := svc.GenerateBatchCode(ctx, 3, "Alice")
	if err != nil || b.Code != second {
		t.Fatalf("collision not retried: got %s (%v), want %s", b.Code, err, second)
	}
}

func TestBatchCodeAttemptsExhausted(t *testing.T) {
	svc, _ := newTestService(t, WithEntropy(zeroReader{}))
	ctx := context.Background()
	for i := 0; i < maxCodeAttempts; i++ {
		if _, err := svc.GenerateBatchCode(ctx, 3, "Alice"); err != nil {
			t.Fatalf("generate %d: %v", i, err)
		}
	}
	if _, err := svc.GenerateBatchCode(ctx, 3, "Alice"); !errors.Is(err, ErrCodeSpaceExhausted) {
		t.Fatalf("expected ErrCodeSpaceExhausted, got %v", err)
	}
}

func TestCandidateDependsOnTime(t *testing.T) {
	clk := clock.NewFake(testStart)
	gen := NewBatchCodeGenerator(clk, zeroReader{})
	a, _ := gen.Candidate("fac-1", "Alice", 3, 0)
	again, _ := gen.Candidate("fac-1", "Alice", 3, 0)
	clk.Advance(time.Nanosecond)
	b, _ := gen.Candidate("fac-1", "Alice", 3, 0)
	if a != again {
		t.Fatal("candidate should be deterministic for the same inputs")
	}
	if a == b {
		t.Fatal("candidate should change with time")
	}
}

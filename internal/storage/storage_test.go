package storage

import (
	"errors"
	"fmt"
	"testing"
)

func TestPlanPartsCoversObjectSequentially(t *testing.T) {
	size := int64(12<<20 + 7)
	parts := PlanParts(size, 5<<20)
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	var next int64
	for i, p := range parts {
		if p.Number != int32(i+1) {
			t.Fatalf("part %d numbered %d", i, p.Number)
		}
		if p.First != next {
			t.Fatalf("part %d starts at %d, want %d", p.Number, p.First, next)
		}
		next = p.Last + 1
	}
	if next != size {
		t.Fatalf("parts end at %d, want %d", next, size)
	}
	if got := parts[0].Header(); got != "bytes=0-5242879" {
		t.Fatalf("unexpected range header %q", got)
	}
}

func TestPlanPartsGrowsPartSizeToStayUnderLimit(t *testing.T) {
	size := int64(100 << 30)
	parts := PlanParts(size, 5<<20)
	if len(parts) > MaxParts {
		t.Fatalf("expected at most %d parts, got %d", MaxParts, len(parts))
	}
	if parts[len(parts)-1].Last != size-1 {
		t.Fatalf("last part ends at %d", parts[len(parts)-1].Last)
	}
}

func TestPlanPartsClampsTinyPartSize(t *testing.T) {
	parts := PlanParts(MinPartSize+1, 1024)
	if len(parts) != 2 {
		t.Fatalf("expected part size clamp to %d, got %d parts", MinPartSize, len(parts))
	}
	if PlanParts(0, MinPartSize) != nil {
		t.Fatalf("expected no parts for empty object")
	}
}

func TestTransientErrorWrapping(t *testing.T) {
	base := errors.New("slow down")
	err := fmt.Errorf("copy: %w", NewTransientError(base))
	if !IsTransient(err) {
		t.Fatalf("expected transient marker to survive wrapping")
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected underlying error to be preserved")
	}
	if IsTransient(base) {
		t.Fatalf("plain error reported transient")
	}
	if NewTransientError(nil) != nil {
		t.Fatalf("expected nil for nil input")
	}
}

func TestObjectMetadataPredicates(t *testing.T) {
	meta := ObjectMetadata{ServerSideEncryption: "aws:kms", ArchiveStatus: " "}
	if !meta.KMSEncrypted() {
		t.Fatalf("expected KMS encrypted")
	}
	if meta.Archived() {
		t.Fatalf("blank archive status should not count as archived")
	}
	meta.ArchiveStatus = "DEEP_ARCHIVE_ACCESS"
	if !meta.Archived() {
		t.Fatalf("expected archived")
	}
}

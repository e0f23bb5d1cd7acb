package db

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"

	"leakmark/pkg/domain"
)

func testStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func buildCopies(id int64, recipients ...string) []domain.RecipientCopy {
	var out []domain.RecipientCopy
	for i, r := range recipients {
		c := domain.RecipientCopy{
			Recipient:        r,
			TokenHex:         fmt.Sprintf("%032x", id*100+int64(i)),
			EncryptedContent: []byte("sealed-" + r),
		}
		for k := 0; k < 8; k++ {
			c.ShareKeys = append(c.ShareKeys, fmt.Sprintf("%d:%02x%02x", k, byte(id), byte(i)))
		}
		out = append(out, c)
	}
	return out
}

func createTestDistribution(t *testing.T, s *SQLite, fileName string, recipients ...string) int64 {
	t.Helper()
	d := &domain.Distribution{
		FileName:     fileName,
		MediaType:    domain.MediaText,
		ContentHash:  "deadbeef",
		EncryptedDEK: []byte("wrapped"),
		CreatedAt:    time.Now().UTC(),
	}
	id, err := s.CreateDistribution(context.Background(), d, func(id int64) ([]domain.RecipientCopy, error) {
		return buildCopies(id, recipients...), nil
	})
	if err != nil {
		t.Fatalf("CreateDistribution: %v", err)
	}
	return id
}

func TestCreateAndGetDistribution(t *testing.T) {
	s := testStore(t)
	id := createTestDistribution(t, s, "report.txt", "alice", "bob")

	d, err := s.GetDistribution(context.Background(), id)
	if err != nil {
		t.Fatalf("GetDistribution: %v", err)
	}
	if d.FileName != "report.txt" || d.MediaType != domain.MediaText {
		t.Fatalf("unexpected distribution: %+v", d)
	}
	if len(d.Copies) != 2 {
		t.Fatalf("expected 2 copies, got %d", len(d.Copies))
	}
	if d.Copies[0].Recipient != "alice" || d.Copies[1].Recipient != "bob" {
		t.Fatalf("unexpected recipients: %+v", d.Copies)
	}
}

func TestGetDistributionNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetDistribution(context.Background(), 9999)
	if errors.Cause(err) != domain.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBuildFailureRollsBack(t *testing.T) {
	s := testStore(t)
	boom := errors.New("embed failed")
	d := &domain.Distribution{
		FileName:     "doomed.txt",
		MediaType:    domain.MediaText,
		ContentHash:  "cafe",
		EncryptedDEK: []byte("wrapped"),
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.CreateDistribution(context.Background(), d, func(id int64) ([]domain.RecipientCopy, error) {
		return nil, boom
	})
	if err != boom {
		t.Fatalf("expected build error surfaced, got %v", err)
	}
	list, err := s.ListDistributions(context.Background())
	if err != nil {
		t.Fatalf("ListDistributions: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("rolled-back distribution is visible: %+v", list)
	}
	entries, err := s.ShareEntries(context.Background())
	if err != nil {
		t.Fatalf("ShareEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rolled-back shares are visible: %d", len(entries))
	}
}

func TestListOrderMostRecentFirst(t *testing.T) {
	s := testStore(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		d := &domain.Distribution{
			FileName:     fmt.Sprintf("doc-%d.txt", i),
			MediaType:    domain.MediaText,
			ContentHash:  "beef",
			EncryptedDEK: []byte("wrapped"),
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}
		if _, err := s.CreateDistribution(context.Background(), d, func(id int64) ([]domain.RecipientCopy, error) {
			return buildCopies(id, "alice"), nil
		}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	list, err := s.ListDistributions(context.Background())
	if err != nil {
		t.Fatalf("ListDistributions: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 distributions, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.After(list[i-1].CreatedAt) {
			t.Fatal("list not ordered most recent first")
		}
	}
	if list[0].FileName != "doc-2.txt" {
		t.Fatalf("expected doc-2.txt first, got %s", list[0].FileName)
	}
	if len(list[0].Recipients) != 1 || list[0].Recipients[0] != "alice" {
		t.Fatalf("summary recipients wrong: %+v", list[0].Recipients)
	}
}

func TestCopiesAndShares(t *testing.T) {
	s := testStore(t)
	id := createTestDistribution(t, s, "deck.pptx", "alice", "bob", "carol")

	copies, err := s.CopiesWithContent(context.Background(), id)
	if err != nil {
		t.Fatalf("CopiesWithContent: %v", err)
	}
	if len(copies) != 3 {
		t.Fatalf("expected 3 copies, got %d", len(copies))
	}
	if string(copies[0].EncryptedContent) != "sealed-alice" {
		t.Fatalf("copy content mismatch: %q", copies[0].EncryptedContent)
	}

	c, d, err := s.GetCopy(context.Background(), copies[1].ID)
	if err != nil {
		t.Fatalf("GetCopy: %v", err)
	}
	if c.Recipient != "bob" || d.FileName != "deck.pptx" {
		t.Fatalf("GetCopy mismatch: %+v / %+v", c, d)
	}

	entries, err := s.ShareEntries(context.Background())
	if err != nil {
		t.Fatalf("ShareEntries: %v", err)
	}
	if len(entries) != 3*8 {
		t.Fatalf("expected 24 share entries, got %d", len(entries))
	}
}

func TestClosedDatabaseSurfacesStorageFailure(t *testing.T) {
	s := testStore(t)
	s.Close()
	_, err := s.ListDistributions(context.Background())
	if err == nil {
		t.Fatal("expected error from closed database")
	}
	if errors.Cause(err) != domain.ErrStorageFailure {
		t.Fatalf("expected ErrStorageFailure cause, got %v", err)
	}
}

func TestIncompleteDistributionInvisible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pending.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	res, err := s.DB().Exec(`
		INSERT INTO distributions (file_name, media_type, content_hash, encrypted_dek, created_at, complete)
		VALUES ('half.txt', 'text', 'feed', X'00', ?, 0)`, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert pending row: %v", err)
	}
	id, _ := res.LastInsertId()

	if _, err := s.GetDistribution(context.Background(), id); errors.Cause(err) != domain.ErrNotFound {
		t.Fatalf("pending distribution visible via get: %v", err)
	}
	list, err := s.ListDistributions(context.Background())
	if err != nil {
		t.Fatalf("ListDistributions: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("pending distribution visible in list: %+v", list)
	}
	s.Close()

	// Reopening sweeps rows a crash left pending.
	s2, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer s2.Close()
	var n int
	if err := s2.DB().QueryRow("SELECT COUNT(*) FROM distributions").Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if n != 0 {
		t.Fatalf("pending row survived restart, %d rows", n)
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	s := testStore(t)
	for i := 0; i < maxFailures; i++ {
		s.recordError(errors.New("io failure"))
	}
	if err := s.checkCircuit(); err != ErrCircuitOpen {
		t.Fatalf("expected open circuit, got %v", err)
	}
	s.recordError(nil)
	if err := s.checkCircuit(); err != nil {
		t.Fatalf("expected closed circuit after success, got %v", err)
	}
}

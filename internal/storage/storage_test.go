package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/transfa/ach-service/internal/domain"
	"github.com/transfa/ach-service/internal/security"
)

type nopAudit struct{ events []string }

func (a *nopAudit) Log(ctx context.Context, eventType, subjectType string, subjectID any, fields map[string]any) {
	a.events = append(a.events, eventType)
}

func TestFileStore_WriteIsProtected(t *testing.T) {
	fsys := afero.NewMemMapFs()
	store, err := NewFileStore(fsys, "/var/ach/files")
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}

	path, err := store.Write("ACH_test.ach", []byte("101 ..."))
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if path != filepath.Join("/var/ach/files", "ACH_test.ach") {
		t.Fatalf("unexpected path %s", path)
	}

	info, err := fsys.Stat(path)
	if err != nil {
		t.Fatalf("stat written file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600, got %o", info.Mode().Perm())
	}
	dirInfo, _ := fsys.Stat("/var/ach/files")
	if dirInfo.Mode().Perm() != 0o700 {
		t.Fatalf("expected 0700 root, got %o", dirInfo.Mode().Perm())
	}
	if exists, _ := afero.Exists(fsys, path+".tmp"); exists {
		t.Fatal("temp file left behind")
	}

	data, err := store.ReadPath(path)
	if err != nil || string(data) != "101 ..." {
		t.Fatalf("ReadPath = %q, %v", data, err)
	}
}

func TestFileStore_RejectsEscapingNames(t *testing.T) {
	store, err := NewFileStore(afero.NewMemMapFs(), "/data")
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	for _, name := range []string{"../etc/passwd", "/etc/passwd", ".", ""} {
		if _, err := store.Write(name, []byte("x")); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("Write(%q): expected ErrInvalidName, got %v", name, err)
		}
	}
	if err := store.RemovePath("/other/file"); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected RemovePath outside root to fail, got %v", err)
	}
	if err := store.RemovePath("/data/missing.ach"); err != nil {
		t.Fatalf("removing a missing file should succeed, got %v", err)
	}
}

func TestBatchFileName(t *testing.T) {
	id := uuid.MustParse("7d3e9a52-1f0b-4a8e-9c55-2b1f6f4f9a10")
	now := time.Date(2026, time.October, 17, 13, 0, 5, 0, time.UTC)
	got := BatchFileName(now, id)
	want := "ACH_20261017_130005_7d3e9a52-1f0b-4a8e-9c55-2b1f6f4f9a10.ach"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestDocumentStore_EncryptsAtRest(t *testing.T) {
	fsys := afero.NewMemMapFs()
	files, err := NewFileStore(fsys, "/docs")
	if err != nil {
		t.Fatalf("NewFileStore returned error: %v", err)
	}
	cipher, err := security.NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("NewCipher returned error: %v", err)
	}
	audit := &nopAudit{}
	docs := NewDocumentStore(files, cipher, audit)
	ctx := context.Background()

	content := []byte("%PDF-1.7 bank statement for account 123456789")
	if err := docs.Save(ctx, "1001", domain.DocBankProof, content); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	raw, _ := afero.ReadFile(fsys, "/docs/1001/bank_proof.enc")
	if strings.Contains(string(raw), "123456789") || !strings.HasPrefix(string(raw), "v1:") {
		t.Fatalf("document not encrypted at rest: %q", raw)
	}

	got, err := docs.Load(ctx, "1001", domain.DocBankProof)
	if err != nil || string(got) != string(content) {
		t.Fatalf("Load = %q, %v", got, err)
	}
	if ok, _ := docs.Exists("1001", domain.DocGovernmentIDFront); ok {
		t.Fatal("unexpected document reported present")
	}
	if _, err := docs.Load(ctx, "1001", domain.DocGovernmentIDBack); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
	if strings.Join(audit.events, ",") != "document.saved,document.accessed" {
		t.Fatalf("unexpected audit trail %v", audit.events)
	}
}

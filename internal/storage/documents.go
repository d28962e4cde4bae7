package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/transfa/ach-service/internal/domain"
	"github.com/transfa/ach-service/internal/security"
)

var ErrDocumentNotFound = errors.New("document not found")

// Sealer encrypts document bytes before they reach disk.
type Sealer interface {
	Encrypt(plaintext []byte) (security.Envelope, error)
	Decrypt(env security.Envelope) ([]byte, error)
}

// DocumentStore keeps KYC uploads encrypted at rest, one file per order and
// document type.
type DocumentStore struct {
	files  *FileStore
	sealer Sealer
	audit  domain.AuditLogger
}

// NewDocumentStore creates a new DocumentStore.
func NewDocumentStore(files *FileStore, sealer Sealer, audit domain.AuditLogger) *DocumentStore {
	return &DocumentStore{files: files, sealer: sealer, audit: audit}
}

func documentName(orderID string, doc domain.DocumentType) string {
	return orderID + "/" + string(doc) + ".enc"
}

// Save encrypts and writes a document.
func (d *DocumentStore) Save(ctx context.Context, orderID string, doc domain.DocumentType, content []byte) error {
	env, err := d.sealer.Encrypt(content)
	if err != nil {
		return err
	}
	if _, err := d.files.Write(documentName(orderID, doc), []byte(env)); err != nil {
		return fmt.Errorf("store document: %w", err)
	}
	d.audit.Log(ctx, "document.saved", "order", orderID, map[string]any{"document": string(doc), "bytes": len(content)})
	return nil
}

// Load reads and decrypts a document.
func (d *DocumentStore) Load(ctx context.Context, orderID string, doc domain.DocumentType) ([]byte, error) {
	raw, err := d.files.Read(documentName(orderID, doc))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrDocumentNotFound
		}
		return nil, err
	}
	content, err := d.sealer.Decrypt(security.Envelope(raw))
	if err != nil {
		d.audit.Log(ctx, "document.decrypt_failed", "order", orderID, map[string]any{"document": string(doc), "outcome": "failure"})
		return nil, err
	}
	d.audit.Log(ctx, "document.accessed", "order", orderID, map[string]any{"document": string(doc)})
	return content, nil
}

// Exists reports whether a document has been uploaded.
func (d *DocumentStore) Exists(orderID string, doc domain.DocumentType) (bool, error) {
	return d.files.Exists(documentName(orderID, doc))
}

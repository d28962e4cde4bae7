package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/transfa/ach-service/internal/domain"
)

// ErrValueNotFound is returned by a Vault when no envelope exists for a ref.
var ErrValueNotFound = errors.New("secure value not found")

// Owner types and fields under which envelopes are stored.
const (
	OwnerOrder    = "order"
	OwnerSettings = "settings"

	FieldBankDetails    = "bank_details"
	FieldSFTPPassword   = "sftp_password"
	FieldSFTPPrivateKey = "sftp_private_key"
	FieldSFTPPassphrase = "sftp_passphrase"

	settingsOwnerID = "sftp"
)

// ValueRef addresses one stored envelope.
type ValueRef struct {
	OwnerType string
	OwnerID   string
	Field     string
}

// StoredValue is a vault row as seen by key rotation.
type StoredValue struct {
	ID       string
	Ref      ValueRef
	Envelope Envelope
}

// Vault persists envelopes. It never sees plaintext.
type Vault interface {
	PutSecureValue(ctx context.Context, ref ValueRef, env Envelope) error
	GetSecureValue(ctx context.Context, ref ValueRef) (Envelope, error)
	DeleteSecureValue(ctx context.Context, ref ValueRef) error
	ListSecureValues(ctx context.Context) ([]StoredValue, error)
	ReplaceSecureValue(ctx context.Context, id string, previous, next Envelope) error
}

// Credentials are SFTP secrets handed to a WithSFTPCredentials callback. The
// byte slices are zeroed when the callback returns; callers must not retain them.
type Credentials struct {
	Password   []byte
	PrivateKey []byte
	Passphrase []byte
}

func (c *Credentials) wipe() {
	wipe(c.Password)
	wipe(c.PrivateKey)
	wipe(c.Passphrase)
}

// RotationSummary reports the outcome of RotateKey.
type RotationSummary struct {
	Succeeded int      `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// Store wraps Cipher with named accessors that persist through the Vault and
// write audit entries. New envelopes are sealed with the primary key; reads
// also accept any extra key on the ring, so a vault that is part way through
// a rotation stays readable.
type Store struct {
	mu       sync.RWMutex
	cipher   *Cipher
	readOnly []*Cipher
	vault    Vault
	audit  domain.AuditLogger
	logger *slog.Logger
}

// NewStore creates a Store keyed from rootSecret.
func NewStore(rootSecret []byte, vault Vault, audit domain.AuditLogger, logger *slog.Logger) (*Store, error) {
	c, err := NewCipher(rootSecret)
	if err != nil {
		return nil, err
	}
	return &Store{cipher: c, vault: vault, audit: audit, logger: logger}, nil
}

// AddDecryptionKey puts rootSecret on the ring as a read-only key. It is
// used for the previous master key while a rotation is being completed.
func (s *Store) AddDecryptionKey(rootSecret []byte) error {
	c, err := NewCipher(rootSecret)
	if err != nil {
		return err
	}
	s.addReader(c)
	return nil
}

func (s *Store) addReader(c *Cipher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnly = append(s.readOnly, c)
}

func (s *Store) current() *Cipher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cipher
}

func (s *Store) ring() []*Cipher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := make([]*Cipher, 0, 1+len(s.readOnly))
	ring = append(ring, s.cipher)
	return append(ring, s.readOnly...)
}

// Encrypt seals plaintext with the primary key.
func (s *Store) Encrypt(plaintext []byte) (Envelope, error) {
	return s.current().Encrypt(plaintext)
}

// Decrypt opens an envelope with the first key on the ring that
// authenticates it.
func (s *Store) Decrypt(env Envelope) ([]byte, error) {
	var firstErr error
	for _, c := range s.ring() {
		plaintext, err := c.Decrypt(env)
		if err == nil {
			return plaintext, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// SaveBankDetails encrypts and stores an order's bank details.
func (s *Store) SaveBankDetails(ctx context.Context, orderID string, details domain.BankDetails) error {
	plaintext, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("%w: encode bank details: %v", domain.ErrEncryption, err)
	}
	defer wipe(plaintext)

	env, err := s.Encrypt(plaintext)
	if err != nil {
		s.audit.Log(ctx, "bank_details.encrypt_failed", "order", orderID, map[string]any{"last4": details.Last4()})
		return err
	}
	if err := s.vault.PutSecureValue(ctx, ValueRef{OwnerType: OwnerOrder, OwnerID: orderID, Field: FieldBankDetails}, env); err != nil {
		return fmt.Errorf("store bank details: %w", err)
	}

	s.audit.Log(ctx, "bank_details.saved", "order", orderID, map[string]any{
		"last4":        details.Last4(),
		"account_type": string(details.AccountType),
	})
	return nil
}

// GetBankDetails decrypts an order's bank details for immediate use.
func (s *Store) GetBankDetails(ctx context.Context, orderID string) (domain.BankDetails, error) {
	env, err := s.vault.GetSecureValue(ctx, ValueRef{OwnerType: OwnerOrder, OwnerID: orderID, Field: FieldBankDetails})
	if err != nil {
		return domain.BankDetails{}, fmt.Errorf("load bank details: %w", err)
	}

	plaintext, err := s.Decrypt(env)
	if err != nil {
		s.logger.Error("bank details decryption failed", "order_id", orderID)
		s.audit.Log(ctx, "bank_details.decrypt_failed", "order", orderID, map[string]any{"outcome": "failure"})
		return domain.BankDetails{}, err
	}
	defer wipe(plaintext)

	var details domain.BankDetails
	if err := json.Unmarshal(plaintext, &details); err != nil {
		return domain.BankDetails{}, fmt.Errorf("%w: decode bank details", domain.ErrDecryptionFailed)
	}

	s.audit.Log(ctx, "bank_details.accessed", "order", orderID, map[string]any{
		"last4":        details.Last4(),
		"account_type": string(details.AccountType),
	})
	return details, nil
}

// ClearBankDetails removes an order's encrypted bank details.
func (s *Store) ClearBankDetails(ctx context.Context, orderID string) error {
	err := s.vault.DeleteSecureValue(ctx, ValueRef{OwnerType: OwnerOrder, OwnerID: orderID, Field: FieldBankDetails})
	if err != nil && !errors.Is(err, ErrValueNotFound) {
		return fmt.Errorf("clear bank details: %w", err)
	}
	s.audit.Log(ctx, "bank_details.cleared", "order", orderID, nil)
	return nil
}

// SaveSFTPPassword stores the SFTP password.
func (s *Store) SaveSFTPPassword(ctx context.Context, password []byte) error {
	return s.saveSetting(ctx, FieldSFTPPassword, password)
}

// SaveSFTPPrivateKey stores the PEM-encoded SFTP private key.
func (s *Store) SaveSFTPPrivateKey(ctx context.Context, pemBytes []byte) error {
	return s.saveSetting(ctx, FieldSFTPPrivateKey, pemBytes)
}

// SaveSFTPPassphrase stores the private key passphrase.
func (s *Store) SaveSFTPPassphrase(ctx context.Context, passphrase []byte) error {
	return s.saveSetting(ctx, FieldSFTPPassphrase, passphrase)
}

func (s *Store) saveSetting(ctx context.Context, field string, value []byte) error {
	env, err := s.Encrypt(value)
	if err != nil {
		return err
	}
	if err := s.vault.PutSecureValue(ctx, ValueRef{OwnerType: OwnerSettings, OwnerID: settingsOwnerID, Field: field}, env); err != nil {
		return fmt.Errorf("store %s: %w", field, err)
	}
	s.audit.Log(ctx, "sftp_credential.saved", "settings", field, nil)
	return nil
}

// WithSFTPCredentials decrypts the SFTP secrets, passes them to fn and wipes
// them when fn returns. Missing secrets are left empty.
func (s *Store) WithSFTPCredentials(ctx context.Context, fn func(Credentials) error) error {
	var creds Credentials
	defer creds.wipe()

	fields := []struct {
		name string
		dst  *[]byte
	}{
		{FieldSFTPPassword, &creds.Password},
		{FieldSFTPPrivateKey, &creds.PrivateKey},
		{FieldSFTPPassphrase, &creds.Passphrase},
	}
	for _, f := range fields {
		env, err := s.vault.GetSecureValue(ctx, ValueRef{OwnerType: OwnerSettings, OwnerID: settingsOwnerID, Field: f.name})
		if errors.Is(err, ErrValueNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load %s: %w", f.name, err)
		}
		plaintext, err := s.Decrypt(env)
		if err != nil {
			s.logger.Error("sftp credential decryption failed", "field", f.name)
			s.audit.Log(ctx, "sftp_credential.decrypt_failed", "settings", f.name, map[string]any{"outcome": "failure"})
			return err
		}
		*f.dst = plaintext
	}

	s.audit.Log(ctx, "sftp_credential.used", "settings", settingsOwnerID, map[string]any{
		"password":    len(creds.Password) > 0,
		"private_key": len(creds.PrivateKey) > 0,
	})
	return fn(creds)
}

// RotateKey re-encrypts every stored envelope from oldRoot to newRoot. Each
// record is replaced atomically; failures are collected and do not stop the
// pass. Records already sealed with newRoot count as rotated, so a pass that
// reported failures can simply be run again. The new key joins the ring before
// any record moves, and it becomes the primary key once no record failed.
func (s *Store) RotateKey(ctx context.Context, oldRoot, newRoot []byte) (RotationSummary, error) {
	oldCipher, err := NewCipher(oldRoot)
	if err != nil {
		return RotationSummary{}, fmt.Errorf("old key: %w", err)
	}
	newCipher, err := NewCipher(newRoot)
	if err != nil {
		return RotationSummary{}, fmt.Errorf("new key: %w", err)
	}

	values, err := s.vault.ListSecureValues(ctx)
	if err != nil {
		return RotationSummary{}, fmt.Errorf("list secure values: %w", err)
	}

	s.addReader(newCipher)

	summary := RotationSummary{Failed: []string{}}
	for _, v := range values {
		if err := rotateOne(ctx, s.vault, oldCipher, newCipher, v); err != nil {
			s.logger.Error("key rotation failed for record", "id", v.ID, "owner_type", v.Ref.OwnerType, "field", v.Ref.Field, "error", err)
			summary.Failed = append(summary.Failed, v.ID)
			continue
		}
		summary.Succeeded++
	}

	if len(summary.Failed) == 0 {
		s.mu.Lock()
		s.readOnly = append(s.readOnly, s.cipher)
		s.cipher = newCipher
		s.mu.Unlock()
	}

	s.audit.Log(ctx, "encryption_key.rotated", "settings", "encryption_key", map[string]any{
		"succeeded": summary.Succeeded,
		"failed":    len(summary.Failed),
	})
	return summary, nil
}

func rotateOne(ctx context.Context, vault Vault, oldCipher, newCipher *Cipher, v StoredValue) error {
	if plaintext, err := newCipher.Decrypt(v.Envelope); err == nil {
		wipe(plaintext)
		return nil
	}

	plaintext, err := oldCipher.Decrypt(v.Envelope)
	if err != nil {
		return err
	}
	defer wipe(plaintext)

	env, err := newCipher.Encrypt(plaintext)
	if err != nil {
		return err
	}
	return vault.ReplaceSecureValue(ctx, v.ID, v.Envelope, env)
}

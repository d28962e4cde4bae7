package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/transfa/ach-service/internal/config"
	"github.com/transfa/ach-service/internal/domain"
	"github.com/transfa/ach-service/internal/storage"
	"github.com/transfa/ach-service/internal/store"
	"github.com/transfa/ach-service/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock { return &clock{now: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memoryBatches is an in-memory store.BatchRepository.
type memoryBatches struct {
	mu    sync.Mutex
	clock *clock

	lockOwner string
	lockAt    time.Time

	sequences   map[string]int64
	sequenceErr error
	batches     map[uuid.UUID]*domain.Batch
	items       []*domain.BatchItem
	returnFiles map[string]store.ReturnFileRecord
}

func newMemoryBatches(c *clock) *memoryBatches {
	return &memoryBatches{
		clock:       c,
		sequences:   make(map[string]int64),
		batches:     make(map[uuid.UUID]*domain.Batch),
		returnFiles: make(map[string]store.ReturnFileRecord),
	}
}

func (m *memoryBatches) AcquireRunLock(ctx context.Context, name, owner string, staleAfter time.Duration) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	cleared := false
	if m.lockOwner != "" {
		if now.Sub(m.lockAt) < staleAfter {
			return false, false, nil
		}
		cleared = true
	}
	m.lockOwner = owner
	m.lockAt = now
	return true, cleared, nil
}

func (m *memoryBatches) ReleaseRunLock(ctx context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockOwner == owner {
		m.lockOwner = ""
	}
	return nil
}

func (m *memoryBatches) NextTraceSequence(ctx context.Context, odfi string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sequenceErr != nil {
		return 0, m.sequenceErr
	}
	m.sequences[odfi]++
	return m.sequences[odfi], nil
}

func (m *memoryBatches) CreateBatchWithItems(ctx context.Context, batch *domain.Batch, items []domain.BatchItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		for _, open := range m.items {
			if open.OrderID == it.OrderID && !open.Status.Terminal() {
				return store.ErrOrderAlreadyQueued
			}
		}
	}
	b := *batch
	m.batches[b.ID] = &b
	for _, it := range items {
		it := it
		m.items = append(m.items, &it)
	}
	return nil
}

func (m *memoryBatches) MarkBatchUploaded(ctx context.Context, batchID uuid.UUID, attempts int, uploadedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return store.ErrBatchNotFound
	}
	if !b.Status.CanTransition(domain.BatchUploaded) {
		return store.ErrStatusConflict
	}
	b.Status = domain.BatchUploaded
	b.UploadAttempts = attempts
	b.UploadedAt = &uploadedAt
	b.LastError = nil
	for _, it := range m.items {
		if it.BatchID == batchID && it.Status == domain.ItemExported {
			it.Status = domain.ItemUploaded
		}
	}
	return nil
}

func (m *memoryBatches) MarkBatchUploadFailed(ctx context.Context, batchID uuid.UUID, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return store.ErrBatchNotFound
	}
	if !b.Status.CanTransition(domain.BatchUploadFailed) {
		return store.ErrStatusConflict
	}
	b.Status = domain.BatchUploadFailed
	b.UploadAttempts = attempts
	b.LastError = &lastError
	return nil
}

func (m *memoryBatches) sorted(keep func(*domain.Batch) bool) []domain.Batch {
	out := []domain.Batch{}
	for _, b := range m.batches {
		if keep(b) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *memoryBatches) ListRetryableBatches(ctx context.Context, maxAttempts int) ([]domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(b *domain.Batch) bool {
		return b.Status == domain.BatchUploadFailed && b.UploadAttempts < maxAttempts
	}), nil
}

func (m *memoryBatches) GetBatch(ctx context.Context, batchID uuid.UUID) (*domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, store.ErrBatchNotFound
	}
	c := *b
	return &c, nil
}

func (m *memoryBatches) ListBatches(ctx context.Context, status string, limit, offset int) ([]domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(b *domain.Batch) bool { return status == "" || string(b.Status) == status })
	if offset >= len(out) {
		return []domain.Batch{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryBatches) ListBatchItems(ctx context.Context, batchID uuid.UUID) ([]domain.BatchItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.BatchItem{}
	for _, it := range m.items {
		if it.BatchID == batchID {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (m *memoryBatches) FindItemByTraceNumber(ctx context.Context, traceNumber string) (*domain.BatchItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.TraceNumber == traceNumber {
			c := *it
			return &c, nil
		}
	}
	return nil, store.ErrItemNotFound
}

func (m *memoryBatches) MarkItemReturned(ctx context.Context, itemID uuid.UUID, code, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.ID == itemID {
			if it.Status == domain.ItemReturned {
				return false, nil
			}
			it.Status = domain.ItemReturned
			it.ReturnCode = &code
			it.ReturnReason = &reason
			return true, nil
		}
	}
	return false, store.ErrItemNotFound
}

func (m *memoryBatches) ReturnFileProcessed(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.returnFiles[name]
	return ok, nil
}

func (m *memoryBatches) RecordReturnFile(ctx context.Context, rec store.ReturnFileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returnFiles[rec.Name] = rec
	return nil
}

func (m *memoryBatches) ListSettleableBatches(ctx context.Context, uploadedBefore time.Time) ([]domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(b *domain.Batch) bool {
		return b.Status == domain.BatchUploaded && b.UploadedAt != nil && !b.UploadedAt.After(uploadedBefore)
	}), nil
}

func (m *memoryBatches) MarkBatchSettled(ctx context.Context, batchID uuid.UUID, settledAt time.Time) ([]domain.BatchItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchID]
	if !ok {
		return nil, store.ErrBatchNotFound
	}
	if !b.Status.CanTransition(domain.BatchSettled) {
		return nil, store.ErrStatusConflict
	}
	b.Status = domain.BatchSettled
	b.SettledAt = &settledAt
	settled := []domain.BatchItem{}
	for _, it := range m.items {
		if it.BatchID == batchID && it.Status == domain.ItemUploaded {
			it.Status = domain.ItemSettled
			settled = append(settled, *it)
		}
	}
	return settled, nil
}

func (m *memoryBatches) DeleteSettledBatchesBefore(ctx context.Context, settledBefore time.Time) ([]domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := m.sorted(func(b *domain.Batch) bool {
		return b.Status == domain.BatchSettled && b.SettledAt != nil && b.SettledAt.Before(settledBefore)
	})
	for _, b := range deleted {
		delete(m.batches, b.ID)
	}
	return deleted, nil
}

func (m *memoryBatches) batchList() []domain.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(func(*domain.Batch) bool { return true })
}

// fakeOrder is a storefront order held in memory.
type fakeOrder struct {
	id      string
	method  string
	status  string
	total   string
	created time.Time
	meta    map[string]string
	notes   []string
	saves   int
	saveErr error
}

func (o *fakeOrder) GetID() string            { return o.id }
func (o *fakeOrder) GetPaymentMethod() string { return o.method }
func (o *fakeOrder) GetStatus() string        { return o.status }
func (o *fakeOrder) GetTotal() string         { return o.total }
func (o *fakeOrder) GetCreatedAt() time.Time  { return o.created }
func (o *fakeOrder) GetMeta(key string) string {
	return o.meta[key]
}
func (o *fakeOrder) SetMeta(key, value string) { o.meta[key] = value }
func (o *fakeOrder) SetStatus(status, note string) {
	o.status = status
	o.notes = append(o.notes, note)
}
func (o *fakeOrder) Save(ctx context.Context) error {
	if o.saveErr != nil {
		return o.saveErr
	}
	o.saves++
	return nil
}

type memoryOrders struct {
	orders map[string]*fakeOrder
}

func newMemoryOrders() *memoryOrders {
	return &memoryOrders{orders: make(map[string]*fakeOrder)}
}

func (m *memoryOrders) add(o *fakeOrder) *fakeOrder {
	if o.meta == nil {
		o.meta = map[string]string{}
	}
	m.orders[o.id] = o
	return o
}

// ListEligibleOrders mirrors the SQL predicate: verified, matching method and
// status, not yet attached to a batch.
func (m *memoryOrders) ListEligibleOrders(ctx context.Context, paymentMethod, status string, limit int) ([]domain.Order, error) {
	var matched []*fakeOrder
	for _, o := range m.orders {
		if o.method != paymentMethod || o.status != status {
			continue
		}
		if o.meta[domain.MetaVerificationStatus] != domain.VerificationVerified || o.meta[domain.MetaBatchID] != "" {
			continue
		}
		matched = append(matched, o)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].created.Equal(matched[j].created) {
			return matched[i].id < matched[j].id
		}
		return matched[i].created.Before(matched[j].created)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]domain.Order, len(matched))
	for i, o := range matched {
		out[i] = o
	}
	return out, nil
}

func (m *memoryOrders) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	o, ok := m.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}

type fakeSecrets struct {
	details map[string]domain.BankDetails
	cleared []string
}

func newFakeSecrets() *fakeSecrets {
	return &fakeSecrets{details: make(map[string]domain.BankDetails)}
}

func (f *fakeSecrets) GetBankDetails(ctx context.Context, orderID string) (domain.BankDetails, error) {
	d, ok := f.details[orderID]
	if !ok {
		return domain.BankDetails{}, fmt.Errorf("%w: no bank details for order", domain.ErrDecryptionFailed)
	}
	return d, nil
}

func (f *fakeSecrets) ClearBankDetails(ctx context.Context, orderID string) error {
	delete(f.details, orderID)
	f.cleared = append(f.cleared, orderID)
	return nil
}

func (f *fakeSecrets) SaveBankDetails(ctx context.Context, orderID string, details domain.BankDetails) error {
	f.details[orderID] = details
	return nil
}

// fakeTransport moves files between the local FileStore fs and an in-memory
// remote fs.
type fakeTransport struct {
	local  afero.Fs
	remote afero.Fs

	connectErrs []error
	uploadErr   error
	connects    int
	connected   bool
	uploads     []string
}

func newFakeTransport(local afero.Fs) *fakeTransport {
	return &fakeTransport{local: local, remote: afero.NewMemMapFs()}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return err
		}
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.connected = false
	return nil
}

func (f *fakeTransport) Upload(ctx context.Context, localPath, remotePath string) error {
	if !f.connected {
		return &transport.Error{Kind: transport.KindConnection, Host: "fake", Err: errors.New("not connected")}
	}
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := afero.ReadFile(f.local, localPath)
	if err != nil {
		return &transport.Error{Kind: transport.KindTransfer, Host: "fake", Path: localPath, Err: err}
	}
	if err := afero.WriteFile(f.remote, remotePath, data, 0o600); err != nil {
		return err
	}
	f.uploads = append(f.uploads, remotePath)
	return nil
}

func (f *fakeTransport) Download(ctx context.Context, remotePath, localPath string) error {
	data, err := afero.ReadFile(f.remote, remotePath)
	if err != nil {
		return &transport.Error{Kind: transport.KindTransfer, Host: "fake", Path: remotePath, Err: err}
	}
	return afero.WriteFile(f.local, localPath, data, 0o600)
}

func (f *fakeTransport) List(ctx context.Context, remoteDir string) ([]string, error) {
	infos, err := afero.ReadDir(f.remote, remoteDir)
	if err != nil {
		return []string{}, nil
	}
	names := []string{}
	for _, fi := range infos {
		if !fi.IsDir() {
			names = append(names, fi.Name())
		}
	}
	return names, nil
}

func (f *fakeTransport) Exists(ctx context.Context, remotePath string) bool {
	ok, _ := afero.Exists(f.remote, remotePath)
	return ok
}

func (f *fakeTransport) Delete(ctx context.Context, remotePath string) error {
	return f.remote.Remove(remotePath)
}

func (f *fakeTransport) TestConnection(ctx context.Context) (bool, string) {
	if err := f.Connect(ctx); err != nil {
		return false, err.Error()
	}
	defer f.Disconnect()
	return true, "connected to fake"
}

type auditEntry struct {
	eventType string
	subjectID any
	fields    map[string]any
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (r *recordingAudit) Log(ctx context.Context, eventType, subjectType string, subjectID any, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, auditEntry{eventType: eventType, subjectID: subjectID, fields: fields})
}

func (r *recordingAudit) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.eventType == eventType {
			return true
		}
	}
	return false
}

func (r *recordingAudit) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

type recordingEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingEvents) Publish(ctx context.Context, e domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		SFTP: config.SFTPConfig{
			Transport:       config.TransportSFTP,
			Host:            "sftp.processor.test",
			Port:            22,
			Username:        "merchant",
			AuthMethod:      "password",
			HostKey:         "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIOMqqnkVzrm0SdG6UOoqKLsabgH5C9okWi0dh2l9GKJl",
			UploadDir:       "/outbound",
			ReturnsDir:      "/returns",
			Timeout:         10 * time.Second,
			ConnectAttempts: 3,
			ConnectBackoff:  time.Second,
		},
		NACHA: config.NACHAConfig{
			ImmediateDestination:     "091000019",
			ImmediateDestinationName: "PROCESSOR BANK",
			ImmediateOrigin:          "1234567890",
			ImmediateOriginName:      "ACME STORE",
			CompanyName:              "ACME STORE",
			CompanyID:                "1234567890",
			OriginatingDFI:           "09100001",
			SECCode:                  "PPD",
			EntryDescription:         "PAYMENT",
			EffectiveDays:            1,
		},
		ACH: config.ACHConfig{
			PaymentMethod:                   "ach",
			EligibleStatus:                  "on-hold",
			ExportedStatus:                  "processing",
			CompletedStatus:                 "completed",
			FailedStatus:                    "failed",
			ScheduleTimes:                   []string{"13:00", "00:00"},
			Timezone:                        "America/Los_Angeles",
			ReconcileSchedule:               "15 * * * *",
			RetrySchedule:                   "20,50 * * * *",
			SettlementSchedule:              "30 6 * * *",
			MaxAttempts:                     3,
			SettlementDays:                  3,
			RetentionDays:                   90,
			ClearBankDetailsAfterSettlement: true,
			StorageDir:                      "/var/lib/ach/files",
			RunTimeout:                      30 * time.Second,
			LockStaleAfter:                  30 * time.Minute,
			MaxEntriesPerFile:               5000,
		},
		Verification: config.VerificationConfig{
			Method:            config.VerificationManual,
			RequiredDocuments: []string{string(domain.DocGovernmentIDFront), string(domain.DocGovernmentIDBack), string(domain.DocBankProof)},
			MaxDocumentBytes:  1024,
			HandoffTTL:        30 * time.Minute,
			HandoffRateLimit:  3,
			HandoffWindow:     time.Hour,
			SessionTTL:        72 * time.Hour,
		},
	}
}

type runnerHarness struct {
	runner    *Runner
	clock     *clock
	batches   *memoryBatches
	orders    *memoryOrders
	secrets   *fakeSecrets
	files     *storage.FileStore
	transport *fakeTransport
	audit     *recordingAudit
	events    *recordingEvents
	sleeps    []time.Duration
	cfg       *config.Config
}

func newRunnerHarness(t testing.TB) *runnerHarness {
	t.Helper()
	h := &runnerHarness{
		clock:   newClock(time.Date(2026, time.October, 14, 20, 0, 0, 0, time.UTC)),
		orders:  newMemoryOrders(),
		secrets: newFakeSecrets(),
		audit:   &recordingAudit{},
		events:  &recordingEvents{},
		cfg:     testConfig(),
	}
	h.batches = newMemoryBatches(h.clock)

	fsys := afero.NewMemMapFs()
	files, err := storage.NewFileStore(fsys, h.cfg.ACH.StorageDir)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	h.files = files
	h.transport = newFakeTransport(fsys)

	h.runner = NewRunner(h.batches, h.orders, h.secrets, h.files, h.transport, h.audit, h.events, discardLogger(), h.cfg)
	h.runner.now = h.clock.Now
	h.runner.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

// addOrder registers a verified on-hold ACH order with bank details.
func (h *runnerHarness) addOrder(id, total string, kind domain.AccountType) *fakeOrder {
	o := h.orders.add(&fakeOrder{
		id:      id,
		method:  "ach",
		status:  "on-hold",
		total:   total,
		created: h.clock.Now().Add(time.Duration(len(h.orders.orders)) * time.Minute),
		meta:    map[string]string{domain.MetaVerificationStatus: domain.VerificationVerified},
	})
	h.secrets.details[id] = domain.BankDetails{
		RoutingNumber: "011000015",
		AccountNumber: "12345678" + id[len(id)-1:],
		AccountType:   kind,
		HolderName:    "Jane Doe",
	}
	return o
}

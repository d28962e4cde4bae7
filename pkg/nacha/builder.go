/**
 * @description
 * Package nacha encodes ACH entries into the fixed-width NACHA file format and
 * parses processor return files. Everything here is a pure function of its
 * inputs: the file creation time is supplied by the caller.
 */
package nacha

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidConfig  = errors.New("invalid nacha file config")
	ErrInvalidEntry   = errors.New("invalid nacha entry")
	ErrNoEntries      = errors.New("nacha file requires at least one entry")
	ErrDuplicateTrace = errors.New("duplicate trace number")

	// ErrTraceSequenceExhausted means the per-ODFI sequence no longer fits the
	// 7-digit trace field.
	ErrTraceSequenceExhausted = errors.New("trace sequence exhausted")
)

// MaxTraceSequence is the largest sequence a trace number can carry.
const MaxTraceSequence = 9999999

const maxAmount = 9999999999

// FileConfig carries the originator and processor identity for one file.
type FileConfig struct {
	ImmediateDestination     string // processor routing number, 9 digits
	ImmediateDestinationName string
	ImmediateOrigin          string // 10-character origin id or 9-digit routing
	ImmediateOriginName      string
	FileIDModifier           string
	ReferenceCode            string

	CompanyName              string
	CompanyDiscretionaryData string
	CompanyID                string
	SECCode                  string
	EntryDescription         string
	CompanyDescriptiveDate   string
	OriginatingDFI           string // first 8 digits of the ODFI routing number
	BatchNumber              int

	// Now is the file creation timestamp. EffectiveDate defaults to the next
	// business day after Now.
	Now           time.Time
	EffectiveDate time.Time
}

// Entry is one payment to encode as an entry detail record.
type Entry struct {
	TransactionCode   string
	RoutingNumber     string
	AccountNumber     string
	Amount            int64
	IndividualID      string
	IndividualName    string
	DiscretionaryData string
	TraceNumber       string
}

// Manifest summarizes the encoded file for the batch record.
type Manifest struct {
	BatchNumber      int       `json:"batch_number"`
	ServiceClassCode string    `json:"service_class_code"`
	EntryCount       int       `json:"entry_count"`
	EntryHash        string    `json:"entry_hash"`
	TotalDebit       int64     `json:"total_debit"`
	TotalCredit      int64     `json:"total_credit"`
	RecordCount      int       `json:"record_count"`
	BlockCount       int       `json:"block_count"`
	LineCount        int       `json:"line_count"`
	TraceNumbers     []string  `json:"trace_numbers"`
	CreatedAt        time.Time `json:"created_at"`
	EffectiveDate    string    `json:"effective_date"`
	SHA256           string    `json:"sha256"`
}

// TraceNumber joins the 8-digit ODFI id and a 7-digit sequence. Sequences
// outside 1..MaxTraceSequence are an error; they never wrap.
func TraceNumber(odfi string, sequence int64) (string, error) {
	if sequence < 1 || sequence > MaxTraceSequence {
		return "", fmt.Errorf("%w: sequence %d for odfi %s", ErrTraceSequenceExhausted, sequence, odfi)
	}
	return numericString(odfi, 8) + numeric(sequence, 7), nil
}

// NextBusinessDay returns the date days business days after t, skipping weekends.
func NextBusinessDay(t time.Time, days int) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	for days > 0 {
		d = d.AddDate(0, 0, 1)
		if d.Weekday() != time.Saturday && d.Weekday() != time.Sunday {
			days--
		}
	}
	return d
}

// BuildFile encodes entries as a single-batch NACHA file.
func BuildFile(cfg FileConfig, entries []Entry) ([]byte, Manifest, error) {
	cfg, err := normalizeConfig(cfg)
	if err != nil {
		return nil, Manifest{}, err
	}
	if len(entries) == 0 {
		return nil, Manifest{}, ErrNoEntries
	}
	if err := validateEntries(cfg, entries); err != nil {
		return nil, Manifest{}, err
	}

	var (
		totalDebit  int64
		totalCredit int64
		hashSum     int64
		hasDebit    bool
		hasCredit   bool
		traces      = make([]string, 0, len(entries))
	)
	for _, e := range entries {
		if isCreditCode(e.TransactionCode) {
			totalCredit += e.Amount
			hasCredit = true
		} else {
			totalDebit += e.Amount
			hasDebit = true
		}
		hashSum += parseDigits(e.RoutingNumber[:8])
		traces = append(traces, e.TraceNumber)
	}
	entryHash := numeric(hashSum%10000000000, 10)

	serviceClass := ServiceClassMixed
	switch {
	case hasDebit && !hasCredit:
		serviceClass = ServiceClassDebits
	case hasCredit && !hasDebit:
		serviceClass = ServiceClassCredits
	}

	records := make([]string, 0, len(entries)+4+BlockingFactor)
	records = append(records, fileHeader(cfg))
	records = append(records, batchHeader(cfg, serviceClass))
	for _, e := range entries {
		records = append(records, entryDetail(e))
	}
	records = append(records, batchControl(cfg, serviceClass, len(entries), entryHash, totalDebit, totalCredit))

	recordCount := len(records) + 1
	blockCount := (recordCount + BlockingFactor - 1) / BlockingFactor
	records = append(records, fileControl(1, blockCount, len(entries), entryHash, totalDebit, totalCredit))

	filler := strings.Repeat("9", RecordLength)
	for len(records)%BlockingFactor != 0 {
		records = append(records, filler)
	}

	var buf bytes.Buffer
	for _, r := range records {
		if len(r) != RecordLength {
			return nil, Manifest{}, fmt.Errorf("record type %c encoded to %d characters", r[0], len(r))
		}
		buf.WriteString(r)
		buf.WriteByte('\n')
	}

	sum := sha256.Sum256(buf.Bytes())
	manifest := Manifest{
		BatchNumber:      cfg.BatchNumber,
		ServiceClassCode: serviceClass,
		EntryCount:       len(entries),
		EntryHash:        entryHash,
		TotalDebit:       totalDebit,
		TotalCredit:      totalCredit,
		RecordCount:      recordCount,
		BlockCount:       blockCount,
		LineCount:        len(records),
		TraceNumbers:     traces,
		CreatedAt:        cfg.Now,
		EffectiveDate:    cfg.EffectiveDate.Format("060102"),
		SHA256:           hex.EncodeToString(sum[:]),
	}
	return buf.Bytes(), manifest, nil
}

func normalizeConfig(cfg FileConfig) (FileConfig, error) {
	cfg.ImmediateDestination = strings.TrimSpace(cfg.ImmediateDestination)
	cfg.ImmediateOrigin = strings.TrimSpace(cfg.ImmediateOrigin)
	cfg.CompanyID = strings.TrimSpace(cfg.CompanyID)
	cfg.OriginatingDFI = strings.TrimSpace(cfg.OriginatingDFI)

	switch {
	case len(cfg.ImmediateDestination) != 9 || !isDigits(cfg.ImmediateDestination):
		return cfg, fmt.Errorf("%w: immediate destination must be a 9-digit routing number", ErrInvalidConfig)
	case cfg.ImmediateOrigin == "" || len(cfg.ImmediateOrigin) > 10:
		return cfg, fmt.Errorf("%w: immediate origin must be 1-10 characters", ErrInvalidConfig)
	case cfg.CompanyID == "" || len(cfg.CompanyID) > 10:
		return cfg, fmt.Errorf("%w: company id must be 1-10 characters", ErrInvalidConfig)
	case strings.TrimSpace(cfg.CompanyName) == "":
		return cfg, fmt.Errorf("%w: company name is required", ErrInvalidConfig)
	case len(cfg.OriginatingDFI) != 8 || !isDigits(cfg.OriginatingDFI):
		return cfg, fmt.Errorf("%w: originating DFI must be 8 digits", ErrInvalidConfig)
	case cfg.Now.IsZero():
		return cfg, fmt.Errorf("%w: file creation time is required", ErrInvalidConfig)
	}

	if cfg.FileIDModifier == "" {
		cfg.FileIDModifier = "A"
	}
	if len(cfg.FileIDModifier) != 1 {
		return cfg, fmt.Errorf("%w: file id modifier must be one character", ErrInvalidConfig)
	}
	if cfg.SECCode == "" {
		cfg.SECCode = "PPD"
	}
	if cfg.EntryDescription == "" {
		cfg.EntryDescription = "PAYMENT"
	}
	if cfg.BatchNumber <= 0 {
		cfg.BatchNumber = 1
	}
	if cfg.EffectiveDate.IsZero() {
		cfg.EffectiveDate = NextBusinessDay(cfg.Now, 1)
	}
	return cfg, nil
}

func validateEntries(cfg FileConfig, entries []Entry) error {
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		if !isCreditCode(e.TransactionCode) && !isDebitCode(e.TransactionCode) {
			return fmt.Errorf("%w: entry %d: unsupported transaction code %q", ErrInvalidEntry, i, e.TransactionCode)
		}
		if len(e.RoutingNumber) != 9 || !isDigits(e.RoutingNumber) {
			return fmt.Errorf("%w: entry %d: routing number must be 9 digits", ErrInvalidEntry, i)
		}
		account := strings.TrimSpace(e.AccountNumber)
		if account == "" || len(account) > 17 {
			return fmt.Errorf("%w: entry %d: account number must be 1-17 characters", ErrInvalidEntry, i)
		}
		if e.Amount <= 0 || e.Amount > maxAmount {
			return fmt.Errorf("%w: entry %d: amount %d out of range", ErrInvalidEntry, i, e.Amount)
		}
		if len(e.TraceNumber) != 15 || !isDigits(e.TraceNumber) {
			return fmt.Errorf("%w: entry %d: trace number must be 15 digits", ErrInvalidEntry, i)
		}
		if !strings.HasPrefix(e.TraceNumber, cfg.OriginatingDFI) {
			return fmt.Errorf("%w: entry %d: trace number does not start with originating DFI", ErrInvalidEntry, i)
		}
		if prev, dup := seen[e.TraceNumber]; dup {
			return fmt.Errorf("%w: %s used by entries %d and %d", ErrDuplicateTrace, e.TraceNumber, prev, i)
		}
		seen[e.TraceNumber] = i
	}
	return nil
}

func fileHeader(cfg FileConfig) string {
	return "1" +
		"01" +
		blankOrRouting(cfg.ImmediateDestination) +
		blankOrRouting(cfg.ImmediateOrigin) +
		cfg.Now.Format("060102") +
		cfg.Now.Format("1504") +
		strings.ToUpper(cfg.FileIDModifier) +
		"094" +
		"10" +
		"1" +
		alpha(cfg.ImmediateDestinationName, 23) +
		alpha(cfg.ImmediateOriginName, 23) +
		alpha(cfg.ReferenceCode, 8)
}

func batchHeader(cfg FileConfig, serviceClass string) string {
	return "5" +
		serviceClass +
		alpha(cfg.CompanyName, 16) +
		alpha(cfg.CompanyDiscretionaryData, 20) +
		alpha(cfg.CompanyID, 10) +
		alpha(cfg.SECCode, 3) +
		alpha(cfg.EntryDescription, 10) +
		alpha(cfg.CompanyDescriptiveDate, 6) +
		cfg.EffectiveDate.Format("060102") +
		"   " +
		"1" +
		cfg.OriginatingDFI +
		numeric(int64(cfg.BatchNumber), 7)
}

func entryDetail(e Entry) string {
	return "6" +
		e.TransactionCode +
		e.RoutingNumber[:8] +
		e.RoutingNumber[8:9] +
		alpha(strings.TrimSpace(e.AccountNumber), 17) +
		numeric(e.Amount, 10) +
		alpha(e.IndividualID, 15) +
		alpha(e.IndividualName, 22) +
		alpha(e.DiscretionaryData, 2) +
		"0" +
		e.TraceNumber
}

func batchControl(cfg FileConfig, serviceClass string, count int, entryHash string, debit, credit int64) string {
	return "8" +
		serviceClass +
		numeric(int64(count), 6) +
		entryHash +
		numeric(debit, 12) +
		numeric(credit, 12) +
		alpha(cfg.CompanyID, 10) +
		strings.Repeat(" ", 19) +
		strings.Repeat(" ", 6) +
		cfg.OriginatingDFI +
		numeric(int64(cfg.BatchNumber), 7)
}

func fileControl(batchCount, blockCount, entryCount int, entryHash string, debit, credit int64) string {
	return "9" +
		numeric(int64(batchCount), 6) +
		numeric(int64(blockCount), 6) +
		numeric(int64(entryCount), 8) +
		entryHash +
		numeric(debit, 12) +
		numeric(credit, 12) +
		strings.Repeat(" ", 39)
}

func parseDigits(s string) int64 {
	var n int64
	for i := 0; i < len(s); i++ {
		n = n*10 + int64(s[i]-'0')
	}
	return n
}

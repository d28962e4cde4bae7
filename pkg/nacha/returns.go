package nacha

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrMalformedRecord = errors.New("malformed nacha record")

// ReturnEntry is a returned entry: the '6' record sent back by the RDFI plus
// its type 99 addenda.
type ReturnEntry struct {
	Code                   string `json:"code"`
	Reason                 string `json:"reason"`
	OriginalTraceNumber    string `json:"original_trace_number"`
	OriginalReceivingDFI   string `json:"original_receiving_dfi"`
	DateOfDeath            string `json:"date_of_death,omitempty"`
	AddendaInformation     string `json:"addenda_information,omitempty"`
	TransactionCode        string `json:"transaction_code"`
	Amount                 int64  `json:"amount"`
	IndividualID           string `json:"individual_id"`
	ReturnEntryTraceNumber string `json:"return_entry_trace_number"`
}

// Correction is a notification of change carried by a type 98 addenda.
type Correction struct {
	Code                 string `json:"code"`
	Reason               string `json:"reason"`
	OriginalTraceNumber  string `json:"original_trace_number"`
	OriginalReceivingDFI string `json:"original_receiving_dfi"`
	CorrectedData        string `json:"corrected_data"`
	IndividualID         string `json:"individual_id"`
}

// ReturnFile holds everything parsed from a processor return file.
type ReturnFile struct {
	Returns     []ReturnEntry `json:"returns"`
	Corrections []Correction  `json:"corrections"`
}

// ParseReturnFile reads a NACHA return/NOC file. Header, control and filler
// records are checked for length only; entries without a return or change
// addenda are ignored.
func ParseReturnFile(r io.Reader) (ReturnFile, error) {
	var (
		out     ReturnFile
		current *entryFields
		lineNo  int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len(line) != RecordLength {
			return out, fmt.Errorf("%w: line %d has %d characters", ErrMalformedRecord, lineNo, len(line))
		}

		switch line[0] {
		case '1', '5', '8', '9':
			current = nil
		case '6':
			current = &entryFields{
				transactionCode: line[1:3],
				amount:          parseDigits(line[29:39]),
				individualID:    strings.TrimSpace(line[39:54]),
				traceNumber:     line[79:94],
			}
		case '7':
			if current == nil {
				return out, fmt.Errorf("%w: line %d addenda without entry", ErrMalformedRecord, lineNo)
			}
			switch line[1:3] {
			case "99":
				code := strings.TrimSpace(line[3:6])
				out.Returns = append(out.Returns, ReturnEntry{
					Code:                   code,
					Reason:                 ReturnReason(code),
					OriginalTraceNumber:    line[6:21],
					DateOfDeath:            strings.TrimSpace(line[21:27]),
					OriginalReceivingDFI:   line[27:35],
					AddendaInformation:     strings.TrimSpace(line[35:79]),
					TransactionCode:        current.transactionCode,
					Amount:                 current.amount,
					IndividualID:           current.individualID,
					ReturnEntryTraceNumber: current.traceNumber,
				})
			case "98":
				code := strings.TrimSpace(line[3:6])
				out.Corrections = append(out.Corrections, Correction{
					Code:                 code,
					Reason:               ReturnReason(code),
					OriginalTraceNumber:  line[6:21],
					OriginalReceivingDFI: line[27:35],
					CorrectedData:        strings.TrimSpace(line[35:64]),
					IndividualID:         current.individualID,
				})
			}
		default:
			return out, fmt.Errorf("%w: line %d has unknown record type %q", ErrMalformedRecord, lineNo, line[0])
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("read return file: %w", err)
	}
	return out, nil
}

type entryFields struct {
	transactionCode string
	amount          int64
	individualID    string
	traceNumber     string
}

// ReturnAddenda renders a type 99 addenda record.
func ReturnAddenda(code, originalTrace, originalRDFI, info, traceNumber string) string {
	return "7" +
		"99" +
		alpha(code, 3) +
		numericString(originalTrace, 15) +
		strings.Repeat(" ", 6) +
		numericString(originalRDFI, 8) +
		alpha(info, 44) +
		numericString(traceNumber, 15)
}

// CorrectionAddenda renders a type 98 notification-of-change addenda record.
func CorrectionAddenda(code, originalTrace, originalRDFI, correctedData, traceNumber string) string {
	return "7" +
		"98" +
		alpha(code, 3) +
		numericString(originalTrace, 15) +
		strings.Repeat(" ", 6) +
		numericString(originalRDFI, 8) +
		alpha(correctedData, 29) +
		strings.Repeat(" ", 15) +
		numericString(traceNumber, 15)
}

// ReturnEntryDetail renders the '6' record of a return entry with the addenda
// indicator set.
func ReturnEntryDetail(e Entry) string {
	rec := entryDetail(e)
	return rec[:78] + "1" + rec[79:]
}

/**
 * @description
 * Bank account domain types shared by validation, secure storage and the
 * NACHA entry builder.
 */
package domain

import "strings"

// AccountType is the receiver's account kind.
type AccountType string

const (
	AccountChecking AccountType = "checking"
	AccountSavings  AccountType = "savings"
)

// ParseAccountType normalizes user input to an AccountType.
func ParseAccountType(raw string) (AccountType, bool) {
	switch AccountType(strings.ToLower(strings.TrimSpace(raw))) {
	case AccountChecking:
		return AccountChecking, true
	case AccountSavings:
		return AccountSavings, true
	}
	return "", false
}

// BankDetails holds a customer's debit authorization target. It must never be
// persisted or logged in clear text; only Last4 and AccountType are safe.
type BankDetails struct {
	RoutingNumber string      `json:"routing_number"`
	AccountNumber string      `json:"account_number"`
	AccountType   AccountType `json:"account_type"`
	HolderName    string      `json:"holder_name"`
}

// Last4 returns the trailing digits of the account number.
func (b BankDetails) Last4() string {
	n := strings.TrimSpace(b.AccountNumber)
	if len(n) <= 4 {
		return n
	}
	return n[len(n)-4:]
}

// String never prints the routing or account numbers.
func (b BankDetails) String() string {
	return "BankDetails{type=" + string(b.AccountType) + " last4=" + b.Last4() + "}"
}

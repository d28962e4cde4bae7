package validation

import (
	"strings"

	"github.com/transfa/ach-service/internal/domain"
)

var routingMessages = map[string]string{
	ReasonEmpty:    "Routing number is required.",
	ReasonLength:   "Routing number must be exactly 9 digits.",
	ReasonNonDigit: "Routing number may only contain digits.",
	ReasonPrefix:   "Routing number does not start with a valid Federal Reserve prefix.",
	ReasonChecksum: "Routing number checksum is invalid. Please check for typos.",
}

var accountMessages = map[string]string{
	ReasonEmpty:    "Account number is required.",
	ReasonLength:   "Account number must be between 4 and 17 digits.",
	ReasonNonDigit: "Account number may only contain digits.",
	ReasonAllZero:  "Account number cannot be all zeros.",
	ReasonRepeated: "Account number looks mistyped (all digits are the same).",
}

// ValidateBankDetails returns field-level errors for the verification wizard.
// The returned details have trimmed numbers and a sanitized holder name.
func ValidateBankDetails(in domain.BankDetails) (domain.BankDetails, domain.ValidationErrors) {
	errs := domain.ValidationErrors{}
	out := domain.BankDetails{
		RoutingNumber: strings.TrimSpace(in.RoutingNumber),
		AccountNumber: strings.TrimSpace(in.AccountNumber),
		HolderName:    SanitizeHolderName(in.HolderName),
	}

	if ok, reason := ValidateRouting(out.RoutingNumber); !ok {
		errs["routing_number"] = routingMessages[reason]
	}
	if ok, reason := ValidateAccount(out.AccountNumber); !ok {
		errs["account_number"] = accountMessages[reason]
	}
	if accountType, ok := domain.ParseAccountType(string(in.AccountType)); ok {
		out.AccountType = accountType
	} else {
		errs["account_type"] = "Account type must be checking or savings."
	}
	if out.HolderName == "" {
		errs["holder_name"] = "Account holder name is required."
	}

	return out, errs
}

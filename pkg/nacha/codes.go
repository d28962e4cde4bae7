package nacha

import "fmt"

// Transaction codes for prenote-free live entries.
const (
	CheckingCredit = "22"
	CheckingDebit  = "27"
	SavingsCredit  = "32"
	SavingsDebit   = "37"
)

// Service class codes.
const (
	ServiceClassMixed   = "200"
	ServiceClassCredits = "220"
	ServiceClassDebits  = "225"
)

// TransactionCode maps account type and direction to the two-digit entry code.
// accountType is "checking" or "savings".
func TransactionCode(accountType string, credit bool) (string, error) {
	switch accountType {
	case "checking":
		if credit {
			return CheckingCredit, nil
		}
		return CheckingDebit, nil
	case "savings":
		if credit {
			return SavingsCredit, nil
		}
		return SavingsDebit, nil
	}
	return "", fmt.Errorf("unknown account type %q", accountType)
}

func isCreditCode(code string) bool {
	return code == CheckingCredit || code == SavingsCredit
}

func isDebitCode(code string) bool {
	return code == CheckingDebit || code == SavingsDebit
}

// returnReasons covers the return codes an originator of consumer debits
// actually receives.
var returnReasons = map[string]string{
	"R01": "Insufficient Funds",
	"R02": "Account Closed",
	"R03": "No Account/Unable to Locate Account",
	"R04": "Invalid Account Number Structure",
	"R05": "Unauthorized Debit to Consumer Account Using Corporate SEC Code",
	"R06": "Returned per ODFI's Request",
	"R07": "Authorization Revoked by Customer",
	"R08": "Payment Stopped",
	"R09": "Uncollected Funds",
	"R10": "Customer Advises Originator is Not Known to Receiver and/or Originator is Not Authorized by Receiver to Debit Receiver's Account",
	"R11": "Customer Advises Entry Not in Accordance with the Terms of the Authorization",
	"R12": "Account Sold to Another DFI",
	"R13": "Invalid ACH Routing Number",
	"R14": "Representative Payee Deceased or Unable to Continue in That Capacity",
	"R15": "Beneficiary or Account Holder Deceased",
	"R16": "Account Frozen/Entry Returned per OFAC Instruction",
	"R17": "File Record Edit Criteria",
	"R20": "Non-Transaction Account",
	"R23": "Credit Entry Refused by Receiver",
	"R24": "Duplicate Entry",
	"R29": "Corporate Customer Advises Not Authorized",
	"R31": "Permissible Return Entry",
	"R33": "Return of XCK Entry",
}

var changeReasons = map[string]string{
	"C01": "Incorrect DFI Account Number",
	"C02": "Incorrect Routing Number",
	"C03": "Incorrect Routing Number and Incorrect DFI Account Number",
	"C05": "Incorrect Transaction Code",
	"C06": "Incorrect DFI Account Number and Incorrect Transaction Code",
	"C07": "Incorrect Routing Number, Incorrect DFI Account Number, and Incorrect Transaction Code",
	"C09": "Incorrect Individual Identification Number",
}

// ReturnReason describes a return (Rxx) or notification-of-change (Cxx) code.
func ReturnReason(code string) string {
	if reason, ok := returnReasons[code]; ok {
		return reason
	}
	if reason, ok := changeReasons[code]; ok {
		return reason
	}
	return "Unknown Return Code " + code
}

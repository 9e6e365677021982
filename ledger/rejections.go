package ledger

import (
	"strconv"
	"strings"

	"leaseflow/apperr"
)

// CustomErrorBase is the first program-defined error code.
const CustomErrorBase = 6000

// Rejection describes one program error.
type Rejection struct {
	Name    string
	Kind    apperr.Kind
	Code    string
	Message string
}

// rejections is indexed by code - CustomErrorBase in program declaration order.
var rejections = []Rejection{
	{"InvalidCredential", apperr.KindValidation, "invalid_credential", "credential is not valid"},
	{"CredentialExpired", apperr.KindExpired, "credential_expired", "credential has expired"},
	{"NotResidentialUse", apperr.KindValidation, "not_residential", "property is not for residential use"},
	{"ListingAlreadyRented", apperr.KindStateConflict, "listing_rented", "listing is already rented"},
	{"InsufficientDeposit", apperr.KindValidation, "insufficient_deposit", "deposit is below the minimum"},
	{"RentOverdue", apperr.KindStateConflict, "rent_overdue", "rent is overdue"},
	{"Unauthorized", apperr.KindAuthorization, "unauthorized", "caller may not perform this operation"},
	{"ApplicationAlreadyExists", apperr.KindStateConflict, "application_exists", "an application already exists"},
	{"ListingInactive", apperr.KindStateConflict, "listing_inactive", "listing is not available"},
	{"NotInitialized", apperr.KindInternal, "not_initialized", "program is not initialized"},
	{"DisputeInProgress", apperr.KindStateConflict, "dispute_in_progress", "a dispute is in progress"},
	{"ApiSignatureRequired", apperr.KindAuthorization, "api_signature_required", "platform co-signature is required"},
	{"SettlementPending", apperr.KindStateConflict, "settlement_pending", "settlement awaits confirmation"},
	{"InvalidFeeRate", apperr.KindInternal, "invalid_fee_rate", "fee rate is out of range"},
	{"DepositOutOfRange", apperr.KindValidation, "deposit_out_of_range", "deposit must be between one and three months of rent"},
	{"InvalidStartDate", apperr.KindValidation, "invalid_start_date", "lease start date is out of range"},
	{"ExceedOverdueLimit", apperr.KindStateConflict, "overdue_limit", "overdue limit exceeded"},
	{"AlreadyInitialized", apperr.KindStateConflict, "already_initialized", "program is already initialized"},
	{"CannotDeactivateWithLease", apperr.KindStateConflict, "listing_has_lease", "listing with a lease cannot be delisted"},
	{"InvalidPaymentDay", apperr.KindValidation, "invalid_payment_day", "payment day must be between 1 and 28"},
	{"PaymentAlreadyExists", apperr.KindStateConflict, "payment_exists", "payment already recorded"},
	{"PaymentNotFound", apperr.KindNotFound, "payment_not_found", "payment does not exist"},
	{"InvalidGraceDays", apperr.KindValidation, "invalid_grace_days", "grace days are out of range"},
	{"MustBeResidential", apperr.KindValidation, "not_residential", "property must be residential"},
	{"ApplicationNotFound", apperr.KindNotFound, "application_not_found", "application does not exist"},
	{"ApplicationExpired", apperr.KindExpired, "application_expired", "application has expired"},
	{"LeaseNotFound", apperr.KindNotFound, "lease_not_found", "lease does not exist"},
	{"LeaseAlreadyTerminated", apperr.KindStateConflict, "lease_terminated", "lease is already terminated"},
	{"EscrowAlreadySettled", apperr.KindStateConflict, "escrow_settled", "escrow is already settled"},
	{"DisputeNotFound", apperr.KindNotFound, "dispute_not_found", "dispute does not exist"},
	{"DisputeAlreadyResolved", apperr.KindStateConflict, "dispute_resolved", "dispute is already resolved"},
	{"DeductionExceedsDeposit", apperr.KindValidation, "amount_mismatch", "deduction exceeds the deposit"},
	{"InvalidTerminationReason", apperr.KindValidation, "invalid_termination_reason", "termination reason is not valid"},
	{"InvalidDisputeReason", apperr.KindValidation, "invalid_dispute_reason", "dispute reason is not valid"},
	{"SettleRequestNotFound", apperr.KindNotFound, "settlement_not_found", "settlement request does not exist"},
	{"SettleAlreadyConfirmed", apperr.KindStateConflict, "already_confirmed", "settlement already confirmed"},
	{"InvalidDistribution", apperr.KindValidation, "amount_mismatch", "release amounts must sum to the deposit"},
}

// guards are conditions the service checks before signing that the deployed
// program declares no code for. They never resolve from a numeric code.
var guards = []Rejection{
	{"InvalidApplicationStatus", apperr.KindStateConflict, "invalid_application_status", "application is not in the required status"},
	{"AlreadySigned", apperr.KindStateConflict, "already_signed", "party has already signed"},
	{"PaymentNotDue", apperr.KindStateConflict, "payment_not_due", "rent for this period is not yet due"},
}

func guardNamed(name string) (Rejection, bool) {
	for _, r := range guards {
		if r.Name == name {
			return r, true
		}
	}
	return Rejection{}, false
}

// RejectionFor looks up a program error code.
func RejectionFor(code int) (Rejection, bool) {
	i := code - CustomErrorBase
	if i < 0 || i >= len(rejections) {
		return Rejection{}, false
	}
	return rejections[i], true
}

// RejectionCode returns the numeric code of a named program error.
func RejectionCode(name string) (int, bool) {
	for i, r := range rejections {
		if r.Name == name {
			return CustomErrorBase + i, true
		}
	}
	return 0, false
}

// Guard returns the error the program raises for the named rejection, so
// pre-flight checks fail the same way the ledger would.
func Guard(name string) *apperr.Error {
	r, ok := guardNamed(name)
	if n, found := RejectionCode(name); found {
		r, ok = RejectionFor(n)
	}
	if !ok {
		panic("ledger: unknown rejection " + name)
	}
	return &apperr.Error{Kind: r.Kind, Code: r.Code, Message: r.Message}
}

var (
	ErrLedgerRejected    = apperr.StateConflict("ledger_rejected", "ledger rejected the transaction")
	ErrStaleRecencyToken = apperr.Expired("stale_recency_token", "transaction recency token has expired; prepare it again")
)

// MapRejection turns the rejection a client observed into a domain error.
// reason is either a decimal or hex ("0x1770") custom code or a ledger error
// name such as BlockhashNotFound.
func MapRejection(reason string) *apperr.Error {
	reason = strings.TrimSpace(reason)
	if i := strings.LastIndex(reason, "custom program error:"); i >= 0 {
		reason = strings.TrimSpace(reason[i+len("custom program error:"):])
	}
	switch reason {
	case "BlockhashNotFound", "TransactionExpired", "BlockhashExpired":
		return ErrStaleRecencyToken
	case "":
		return ErrLedgerRejected
	}

	code, err := parseCode(reason)
	if err != nil {
		if n, ok := RejectionCode(reason); ok {
			code = n
		} else if r, ok := guardNamed(reason); ok {
			return &apperr.Error{Kind: r.Kind, Code: r.Code, Message: r.Message}
		} else {
			return ErrLedgerRejected.WithMessage("ledger rejected the transaction: %s", reason)
		}
	}
	r, ok := RejectionFor(code)
	if !ok {
		return ErrLedgerRejected.WithMessage("ledger rejected the transaction with code %d", code)
	}
	return &apperr.Error{Kind: r.Kind, Code: r.Code, Message: r.Message}
}

func parseCode(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 32)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

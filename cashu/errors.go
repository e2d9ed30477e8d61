package cashu

import "fmt"

// CashuErrCode is the NUT wire error code family. Each NUT package that
// defines its own conditions (nut11, nut14, ...) reserves a code range.
type CashuErrCode int

// ErrKind classifies an Error by how the caller should react, independent
// of the numeric wire code. This lets the core report errors without any
// dependency on a transport package's status-code mapping.
type ErrKind int

const (
	KindClientBadRequest ErrKind = iota
	KindConflict
	KindQuoteState
	KindLightningBackend
	KindInternal
)

type Error struct {
	Detail string
	Code   CashuErrCode
	Kind   ErrKind
}

func (e Error) Error() string {
	return e.Detail
}

func BuildCashuError(detail string, code CashuErrCode) Error {
	return Error{Detail: detail, Code: code, Kind: KindClientBadRequest}
}

func buildErr(detail string, code CashuErrCode, kind ErrKind) Error {
	return Error{Detail: detail, Code: code, Kind: kind}
}

const (
	errCodeTokenAlreadySpent    CashuErrCode = 11001
	errCodeTransactionNotBalanced CashuErrCode = 11002
	errCodeUnitNotSupported     CashuErrCode = 11003
	errCodeAmountOutsideLimit   CashuErrCode = 11004
	errCodeDuplicateInputs      CashuErrCode = 11005
	errCodeDuplicateOutputs     CashuErrCode = 11006
	errCodeOutputAlreadySigned  CashuErrCode = 11007
	errCodeKeysetNotFound       CashuErrCode = 12001
	errCodeKeysetInactive       CashuErrCode = 12002
	errCodeQuoteNotPaid         CashuErrCode = 20001
	errCodeQuoteExpired         CashuErrCode = 20002
	errCodeQuoteAlreadyIssued   CashuErrCode = 20003
	errCodeQuotePending         CashuErrCode = 20005
	errCodePaymentFailed        CashuErrCode = 20006
	errCodeInvalidSignature     CashuErrCode = 20008
	errCodeMeltsSuspended       CashuErrCode = 20009
	errCodeInternal             CashuErrCode = 90000
)

var (
	TokenAlreadySpentErr = buildErr("token already spent", errCodeTokenAlreadySpent, KindConflict)
	DuplicateInputsErr   = buildErr("duplicate inputs provided", errCodeDuplicateInputs, KindClientBadRequest)
	DuplicateOutputsErr  = buildErr("duplicate outputs provided", errCodeDuplicateOutputs, KindClientBadRequest)
	OutputAlreadySignedErr = buildErr("output already signed", errCodeOutputAlreadySigned, KindConflict)
	TransactionUnbalancedErr = buildErr("inputs and outputs are not balanced", errCodeTransactionNotBalanced, KindClientBadRequest)
	UnitNotSupportedErr  = buildErr("unit not supported", errCodeUnitNotSupported, KindClientBadRequest)
	UnitMismatchErr      = buildErr("inputs and outputs must share one unit", errCodeUnitNotSupported, KindClientBadRequest)
	AmountOutsideLimitErr = buildErr("amount outside configured limits", errCodeAmountOutsideLimit, KindClientBadRequest)
	KeysetNotFoundErr    = buildErr("keyset not found", errCodeKeysetNotFound, KindClientBadRequest)
	KeysetInactiveErr    = buildErr("keyset is not active", errCodeKeysetInactive, KindClientBadRequest)
	AuthUnitForbiddenErr = buildErr("auth unit cannot be used in this operation", errCodeUnitNotSupported, KindClientBadRequest)
	QuoteNotPaidErr      = buildErr("quote not paid", errCodeQuoteNotPaid, KindQuoteState)
	QuoteExpiredErr      = buildErr("quote expired", errCodeQuoteExpired, KindQuoteState)
	QuoteAlreadyIssuedErr = buildErr("quote already fully issued", errCodeQuoteAlreadyIssued, KindQuoteState)
	QuotePendingErr      = buildErr("quote has a payment already in progress", errCodeQuotePending, KindConflict)
	PaymentFailedErr     = buildErr("lightning payment failed", errCodePaymentFailed, KindLightningBackend)
	InvalidSignatureErr  = buildErr("invalid signature", errCodeInvalidSignature, KindClientBadRequest)
	MeltsSuspendedErr    = buildErr("melt is suspended pending recovery of in-flight lightning payments", errCodeMeltsSuspended, KindInternal)
)

func InternalErr(cause error) Error {
	return buildErr(fmt.Sprintf("internal error: %v", cause), errCodeInternal, KindInternal)
}

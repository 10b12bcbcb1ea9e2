package apperror

// Code identifies a class of failure surfaced to callers
type Code string

// Caller errors
const (
	CodeInvalidAmount Code = "INVALID_AMOUNT"
	CodeInvalidAsset  Code = "INVALID_ASSET"
	CodeUnknownAsset  Code = "UNKNOWN_ASSET"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeUnknownTx     Code = "UNKNOWN_TRANSACTION"
)

// Execution errors
const (
	CodeInsufficientLiquidity       Code = "INSUFFICIENT_LIQUIDITY"
	CodeResourceExhausted           Code = "RESOURCE_EXHAUSTED"
	CodeSettlementInvariantViolated Code = "SETTLEMENT_INVARIANT_VIOLATED"
	CodeReverted                    Code = "REVERTED"
	CodeWriteConflict               Code = "WRITE_CONFLICT"
	CodeTimeout                     Code = "TIMEOUT"
)

// Infrastructure errors
const (
	CodeConfigurationError Code = "CONFIGURATION_ERROR"
	CodeRPCError           Code = "RPC_ERROR"
	CodeUnknownError       Code = "UNKNOWN"
)

var messages = map[Code]string{
	CodeInvalidAmount:               "Principal must be a positive integer amount",
	CodeInvalidAsset:                "Asset reference is malformed",
	CodeUnknownAsset:                "Asset symbol is not registered",
	CodeUnauthorized:                "Caller is not the registry operator",
	CodeUnknownTx:                   "Transaction is not known to the environment",
	CodeInsufficientLiquidity:       "Pool cannot cover the requested principal",
	CodeResourceExhausted:           "Execution budget exhausted",
	CodeSettlementInvariantViolated: "Principal plus fee was not returned to the pool",
	CodeReverted:                    "Execution reverted",
	CodeWriteConflict:               "Execution conflicted with a concurrent unit",
	CodeTimeout:                     "Finality not observed before the deadline",
	CodeConfigurationError:          "Configuration error",
	CodeRPCError:                    "Node RPC call failed",
	CodeUnknownError:                "Unknown error",
}

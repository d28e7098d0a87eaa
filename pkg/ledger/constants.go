package ledger

import "time"

const (
	operationAdmit          = "admit"
	operationJobStatus      = "job_status"
	operationPurchase       = "purchase"
	operationRefund         = "refund"
	operationRenewal        = "renewal"
	operationRenewalFailure = "renewal_failure"
	operationAutoRenew      = "auto_renew"
	operationProvision      = "provision"
	operationAdjust         = "adjust"
	operationAccountStatus  = "set_account_status"
	operationExpire         = "expire_lapsed"
	operationSweep          = "sweep_idempotency"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusReplayed = "replayed"
)

const (
	defaultIdempotencyTTL = 24 * time.Hour
	defaultGraceWindow    = 16 * 24 * time.Hour

	maxHistoryPage = 200
	verifyPageSize = 500
)

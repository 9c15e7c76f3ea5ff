package credits

const (
	operationBalance = "balance"
	operationDebit   = "debit"
	operationRefund  = "refund"
	operationCharge  = "charge"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)

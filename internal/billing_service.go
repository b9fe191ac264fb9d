package internal

type BillingService interface {
	ProcessTransactionBilling(transactionId int) error
	RetryFailedBilling(transactionId int) error
}

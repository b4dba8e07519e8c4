package domain

// ErrorKind is the failure taxonomy that drives retry policy and user messaging.
type ErrorKind string

const (
	ErrorKindContentViolation ErrorKind = "content_violation"
	ErrorKindAccountOrBilling ErrorKind = "account_or_billing"
	ErrorKindRateLimited      ErrorKind = "rate_limited"
	ErrorKindTransient        ErrorKind = "transient"
	ErrorKindUnknown          ErrorKind = "unknown"
)

// Retryable reports whether the kind may be retried at all.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindRateLimited || k == ErrorKindTransient
}

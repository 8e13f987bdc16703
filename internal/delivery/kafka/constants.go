package kafka

const (
	TopicVoucherRequest = "ledger.voucher.req"
	TopicLoyaltyRequest = "ledger.loyalty.req"
	TopicVoucherRetry   = "ledger.voucher.retry"
	TopicLoyaltyRetry   = "ledger.loyalty.retry"
	TopicReplyPrefix    = "ledger.reply."
	TopicRequestSuffix  = ".req"
	TopicRetrySuffix    = ".retry"
	TopicDLQSuffix      = ".dlq"

	RetryHeaderNextAt  = "x-next-at"
	RetryHeaderAttempt = "x-attempt"
	ErrorHeaderKey     = "x-error"
)

const (
	OpIssueVoucher    = "voucher.issue"
	OpValidateVoucher = "voucher.validate"
	OpGetVoucher      = "voucher.get"
	OpGiftVoucher     = "voucher.gift"
	OpRedeemVoucher   = "voucher.redeem"
	OpApplyVoucher    = "voucher.apply"
	OpListVouchers    = "voucher.list"

	OpJoinLoyalty       = "loyalty.join"
	OpAwardPoints       = "loyalty.award"
	OpGetLoyalty        = "loyalty.get"
	OpUpdateLoyalty     = "loyalty.update"
	OpDeactivateLoyalty = "loyalty.deactivate"
	OpCheckMembership   = "loyalty.check_membership"
	OpListLoyalty       = "loyalty.list"
)

// RequestTopics are consumed by the ledger consumer group.
var RequestTopics = []string{TopicVoucherRequest, TopicLoyaltyRequest}

// RetryTopics are consumed by the retry group and requeued to their request
// topic once due.
var RetryTopics = []string{TopicVoucherRetry, TopicLoyaltyRetry}

func ReplyTopic(instanceID string) string {
	return TopicReplyPrefix + instanceID
}

package bridge

// Gateway trade status tokens. The gateway reports these in the
// trade_status field of notifications and browser returns.
const (
	TradeStatusSuccess  = "TRADE_SUCCESS"
	TradeStatusFinished = "TRADE_FINISHED"
	TradeStatusClosed   = "TRADE_CLOSED"
)

// tradeStatusTable maps provider tokens onto internal states. Adding a
// provider status code is a one-line change here; unknown tokens stay
// non-terminal.
var tradeStatusTable = map[string]PaymentStatus{
	TradeStatusSuccess:  StatusSuccess,
	TradeStatusFinished: StatusSuccess,
	TradeStatusClosed:   StatusFailed,
}

// ClassifyTradeStatus maps a raw gateway status token to an internal
// payment status. Tokens outside the table, including an empty token from a
// partial early ping, classify as StatusPending so the caller answers
// non-terminally and the gateway redelivers the authoritative notification.
func ClassifyTradeStatus(raw string) PaymentStatus {
	if s, ok := tradeStatusTable[raw]; ok {
		return s
	}
	return StatusPending
}

package api

// AMQP exchanges used by the platform. Every channel opened through the
// session manager declares the full set so publishers and consumers never
// race on declaration order.
const (
	ExchangeTargeted    = "targeted"
	ExchangeCallControl = "callctl"
	ExchangeCallEvent   = "callevt"
	ExchangeBroadcast   = "broadcast"
	ExchangeCallManager = "callmgr"
	ExchangeMonitor     = "monitor"
)

// ExchangeType maps each known exchange to its stable AMQP type.
var ExchangeType = map[string]string{
	ExchangeTargeted:    "direct",
	ExchangeCallControl: "direct",
	ExchangeCallEvent:   "topic",
	ExchangeBroadcast:   "fanout",
	ExchangeCallManager: "topic",
	ExchangeMonitor:     "topic",
}

// KnownExchanges returns the fixed declaration order for the exchange set.
func KnownExchanges() []string {
	return []string{
		ExchangeTargeted,
		ExchangeCallControl,
		ExchangeCallEvent,
		ExchangeBroadcast,
		ExchangeCallManager,
		ExchangeMonitor,
	}
}

// Routing keys for outbound request kinds.
const (
	KeyAuthReq  = "auth_req"
	KeyRouteReq = "route_req"
	KeyRegQuery = "reg_query"
	KeyMediaReq = "media_req"
)

// ContentTypeJSON is the content type stamped on every published envelope.
const ContentTypeJSON = "application/json"

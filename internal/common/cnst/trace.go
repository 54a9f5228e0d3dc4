package cnst

// Tracer names used across the services
const (
	// TraceGateway is the tracer name for the connection gateway
	TraceGateway = "chatgate/gateway"
)

// Common span names and prefixes
const (
	// SpanDispatchPrefix prefixes spans for handling one inbound envelope
	SpanDispatchPrefix = "gateway.dispatch."
	// SpanAdmit represents authenticating and admitting a connection
	SpanAdmit = "gateway.admit"
)

// Common attribute keys
const (
	AttrConnID     = "gateway.conn_id"
	AttrUserID     = "gateway.user_id"
	AttrChannelID  = "gateway.channel_id"
	AttrClientAddr = "client.remote_addr"
	AttrErrorKind  = "error.kind"
)

package dbtunnel

// Version is the semver of the current build. Overridden at link time by the
// release tooling.
var Version = "0.4.0"

const (
	// ComponentKey is the name of the attribute that carries the component
	// name on structured log records.
	ComponentKey = "component"

	// ComponentWeb is the HTTP/WebSocket API server.
	ComponentWeb = "web"

	// ComponentQueryChannel is the per-session query channel state machine.
	ComponentQueryChannel = "web:querychannel"

	// ComponentRelayTunnel is the outer TLS leg to the relay.
	ComponentRelayTunnel = "tunnel:relay"

	// ComponentGatewayTunnel is the inner mTLS leg to the gateway.
	ComponentGatewayTunnel = "tunnel:gateway"

	// ComponentPostgres is the query execution bridge.
	ComponentPostgres = "db:postgres"

	// ComponentClient is the reconnecting channel client.
	ComponentClient = "client"
)

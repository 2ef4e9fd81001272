package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for stratum telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Event attributes
	AttrEventType  = attribute.Key("event.type")
	AttrEventScope = attribute.Key("event.scope")

	// Strategy attributes
	AttrStrategy  = attribute.Key("strategy")
	AttrDirection = attribute.Key("trade.direction")
	AttrPair      = attribute.Key("trade.pair")

	// Operation attributes
	AttrOperation = attribute.Key("operation")
	AttrResult    = attribute.Key("result")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")

	// Error attributes
	AttrErrorType = attribute.Key("error.type")
	AttrReason    = attribute.Key("reason")

	// Connection attributes
	AttrConnectionState = attribute.Key("connection.state")
)

// Event scope values
const (
	ScopeGlobal = "global"
	ScopeWallet = "wallet"
)

// Result values
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Helper functions for creating common attribute sets

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, eventType, scope string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrEventScope.String(scope),
	}
}

// StrategyAttributes returns attributes for runner metrics.
func StrategyAttributes(environment, strategy, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStrategy.String(strategy),
		AttrResult.String(result),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrConnectionState.String(state),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ScopeOf maps a wallet address onto the event scope label.
func ScopeOf(wallet string) string {
	if wallet == "" {
		return ScopeGlobal
	}
	return ScopeWallet
}

// Package telemetry provides OpenTelemetry setup and semantic conventions for catalogsync.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for catalogsync telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventKind labels mutation metrics with created/updated/deleted.
	AttrEventKind = attribute.Key("event.kind")
	// AttrOperation differentiates operations (store.create, eventbus.publish, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides additional free-form context for errors and evictions.
	AttrReason = attribute.Key("reason")
	// AttrConnectionState labels connection lifecycle signals (connected, closed, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrMessageType differentiates real-time frame types.
	AttrMessageType = attribute.Key("message.type")
)

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventKind.String(kind),
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

// MessageAttributes returns attributes for real-time frame metrics.
func MessageAttributes(environment, messageType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrMessageType.String(messageType),
	}
}

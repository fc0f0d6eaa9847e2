// Package metrics provides constants used across metric definitions.
package metrics

import "time"

// Operation label values for broker round trips.
const (
	// OpConnect is an explicit connect.
	OpConnect = "connect"
	// OpReconnect is an implicit reconnect attempt.
	OpReconnect = "reconnect"
	// OpSubscribe is a subscribe request.
	OpSubscribe = "subscribe"
	// OpUnsubscribe is an unsubscribe request.
	OpUnsubscribe = "unsubscribe"
	// OpDisconnect is an explicit disconnect.
	OpDisconnect = "disconnect"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Histogram bucket configuration constants.
const (
	// BucketStart1ms is the starting bucket for 1ms histograms (1ms to ~1s range).
	BucketStart1ms = 0.001
	// BucketStart64B is the starting bucket for 64 byte histograms.
	BucketStart64B = 64.0
	// BucketFactor2 is the common exponential growth factor of 2 for histogram buckets.
	BucketFactor2 = 2
	// BucketCount10 defines 10 exponential buckets.
	BucketCount10 = 10
	// BucketCount12 defines 12 exponential buckets.
	BucketCount12 = 12
)

// ShutdownTimeout is the timeout for graceful shutdown operations.
const ShutdownTimeout = 5 * time.Second

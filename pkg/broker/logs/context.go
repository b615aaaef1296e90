package logs

import (
	"context"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// Derive attaches a fresh request id and the given key/value pairs to the
// parent context's logger, preserving the parent's cancellation.
func Derive(parent context.Context, keysAndValues ...any) context.Context {
	logger := klog.LoggerWithValues(klog.FromContext(parent), "requestID", uuid.NewString())
	return klog.NewContext(parent, logger.WithValues(keysAndValues...))
}

// NewContextWithID is NewContext with a caller-supplied request id.
func NewContextWithID(requestID string, keysAndValues ...any) context.Context {
	logger := klog.LoggerWithValues(klog.Background(), "requestID", requestID)
	return klog.NewContext(context.Background(), logger.WithValues(keysAndValues...))
}

package context

import (
	"os"

	"context"

	"github.com/sirupsen/logrus"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	datacenterKey
	componentKey
)

func FromRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func FromDatacenter(ctx context.Context, location string) context.Context {
	return context.WithValue(ctx, datacenterKey, location)
}

func FromComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(requestIDKey).(string)
	return requestID, ok
}

func DatacenterFromContext(ctx context.Context) (string, bool) {
	location, ok := ctx.Value(datacenterKey).(string)
	return location, ok
}

func ComponentFromContext(ctx context.Context) (string, bool) {
	component, ok := ctx.Value(componentKey).(string)
	return component, ok
}

func LoggerFromContext(ctx context.Context) *logrus.Entry {
	entry := logrus.WithField("pid", os.Getpid())

	if requestID, ok := RequestIDFromContext(ctx); ok {
		entry = entry.WithField("request_id", requestID)
	}

	if location, ok := DatacenterFromContext(ctx); ok {
		entry = entry.WithField("datacenter", location)
	}

	if component, ok := ComponentFromContext(ctx); ok {
		entry = entry.WithField("component", component)
	}

	return entry
}

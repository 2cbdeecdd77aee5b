package logging

import (
	"context"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
)

type loggerMarker struct{}

// WithLogger returns a child context carrying entry, so that code further down the call chain logs with the
// same fields (message type, envelope id, thread).
func WithLogger(ctx context.Context, entry *logrus.Entry) context.Context {
	return context.WithValue(ctxlogrus.ToContext(ctx, entry), loggerMarker{}, true)
}

// FromContext returns the logger stored in ctx, or an entry on the standard logger if there is none.
func FromContext(ctx context.Context) *logrus.Entry {
	if ctx != nil {
		if _, ok := ctx.Value(loggerMarker{}).(bool); ok {
			return ctxlogrus.Extract(ctx)
		}
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

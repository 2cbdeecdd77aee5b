package logging

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestFromContext(t *testing.T) {
	assert.Equal(t, logrus.StandardLogger(), FromContext(context.Background()).Logger)

	entry := logrus.NewEntry(logrus.New()).WithField("message_type", "pending_jobs")
	ctx := WithLogger(context.Background(), entry)
	assert.Equal(t, "pending_jobs", FromContext(ctx).Data["message_type"])
}

func TestExtractStack(t *testing.T) {
	assert.Nil(t, ExtractStack(nil))
	assert.Nil(t, ExtractStack(context.Canceled))

	err := errors.WithMessage(errors.New("boom"), "outer")
	assert.NotNil(t, ExtractStack(err))

	entry := WithStacktrace(logrus.NewEntry(logrus.New()), err)
	assert.Contains(t, entry.Data, Stacktrace)
	assert.Equal(t, err, entry.Data[logrus.ErrorKey])
}

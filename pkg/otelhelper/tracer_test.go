package otelhelper

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartSpan_NestedWithError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("test")

	ctx, runSpan := StartSpan(t.Context(), tracer, "workflow_run", attribute.String(RunIDKey, "run-1"))
	_, nodeSpan := StartSpan(ctx, tracer, "agent_run", attribute.String(NodeIDKey, "scan"))

	SetError(nodeSpan, errors.New("sandbox exited 1"), attribute.String(ErrorCodeKey, "execution"))
	nodeSpan.End()
	runSpan.End()

	ended := recorder.Ended()
	require.Len(t, ended, 2)

	node, run := ended[0], ended[1]
	assert.Equal(t, "agent_run", node.Name())
	assert.Equal(t, run.SpanContext().SpanID(), node.Parent().SpanID())
	assert.Equal(t, codes.Error, node.Status().Code)
	assert.Contains(t, node.Attributes(), attribute.String(ErrorCodeKey, "execution"))
	assert.Len(t, node.Events(), 1)

	assert.Contains(t, run.Attributes(), attribute.String(RunIDKey, "run-1"))
	assert.Equal(t, codes.Unset, run.Status().Code)
}

func TestProviders_ShutdownNil(t *testing.T) {
	var providers *Providers

	assert.NoError(t, providers.Shutdown(t.Context()))
}

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := New(Options{})
	require.NoError(t, err)
	ctx, span := p.Tracer().Start(context.Background(), "RecordResult")
	require.NotNil(t, ctx)
	span.End(errors.New("ignored"))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSpansCarryOutcome(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p, err := New(Options{Enabled: true, ServiceName: "sterilcore-test", Exporter: exp})
	require.NoError(t, err)

	tr := p.Tracer()
	_, ok := tr.Start(context.Background(), "StartCycle")
	ok.End(nil)
	_, failed := tr.Start(context.Background(), "CompletePhase")
	failed.End(errors.New("phase not active"))
	require.NoError(t, p.Shutdown(context.Background()))

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, "StartCycle", spans[0].Name)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
	assert.Equal(t, "CompletePhase", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "phase not active", spans[1].Status.Description)
	require.Len(t, spans[1].Events, 1)
	assert.Equal(t, "exception", spans[1].Events[0].Name)

	var service string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	assert.Equal(t, "sterilcore-test", service)
}

func TestStdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	p, err := New(Options{Enabled: true, Writer: &buf})
	require.NoError(t, err)
	_, span := p.Tracer().Start(context.Background(), "ResolveIncident")
	span.End(nil)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "ResolveIncident")
}

package telemetry_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fleetshift/fleetshift-rollouts/internal/application"
	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
	"github.com/fleetshift/fleetshift-rollouts/internal/infrastructure/sqlite"
	"github.com/fleetshift/fleetshift-rollouts/internal/infrastructure/telemetry"
)

// Services bind their tracer to the first global provider installed, so
// this test has to run before any other test sets one.
func TestTracerProvider_RecordsServiceSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	provider := telemetry.NewTracerProvider(exp, 1, "rolloutd-test")
	otel.SetTracerProvider(provider)

	svc := &application.ControllerService{Store: sqlite.OpenTestStore(t)}
	_, err := svc.AddFeedback(context.Background(), 42, domain.Feedback{Status: domain.ActionStatusRunning})
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, provider.ForceFlush(context.Background()))
	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "ControllerService.AddFeedback", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestSetupTracing_StdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := telemetry.SetupTracing(context.Background(), telemetry.TracingConfig{
		Exporter: telemetry.ExporterStdout,
		Writer:   &buf,
	}, "rolloutd-test")
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "exported-span")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "exported-span")
}

func TestSetupTracing_NoneAndUnknown(t *testing.T) {
	shutdown, err := telemetry.SetupTracing(context.Background(), telemetry.TracingConfig{}, "rolloutd-test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = telemetry.SetupTracing(context.Background(), telemetry.TracingConfig{Exporter: "zipkin"}, "rolloutd-test")
	require.Error(t, err)
}

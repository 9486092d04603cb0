package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupExportsSpans(t *testing.T) {
	var out bytes.Buffer
	shutdown, err := Setup(context.Background(), Config{ServiceName: "execution-test", Tracing: true, Metrics: true, Writer: &out})
	require.NoError(t, err)

	_, span := otel.Tracer("telemetry-test").Start(context.Background(), "submit")
	span.End()
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, out.String(), "submit")
	assert.Contains(t, out.String(), "execution-test")
	assert.NoError(t, shutdown(context.Background()))
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { MustRegister(reg) })

	before := testutil.ToFloat64(JobRunsTotal.WithLabelValues("dunning", "ok"))
	JobRunsTotal.WithLabelValues("dunning", "ok").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(JobRunsTotal.WithLabelValues("dunning", "ok")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "billrec_job_runs_total")
}

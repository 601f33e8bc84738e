package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMetricsLabels(t *testing.T) {
	labels, err := ParseMetricsLabels("")
	require.NoError(t, err)
	require.Nil(t, labels)

	labels, err = ParseMetricsLabels("service=notesync,env=dev")
	require.NoError(t, err)
	require.Equal(t, "notesync", labels["service"])
	require.Equal(t, "dev", labels["env"])

	_, err = ParseMetricsLabels("no-equals-sign")
	require.Error(t, err)

	_, err = ParseMetricsLabels("bad key=v")
	require.Error(t, err)
}

func TestParseMetricsLabels_ExpandsEnv(t *testing.T) {
	t.Setenv("NOTESYNC_TEST_ENV", "prod")
	labels, err := ParseMetricsLabels("env=${NOTESYNC_TEST_ENV}")
	require.NoError(t, err)
	require.Equal(t, "prod", labels["env"])
}

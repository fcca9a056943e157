package integration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"guestmode/internal/guest"
	"guestmode/pkg/testutil"

	"github.com/stretchr/testify/require"
)

const (
	eventuallyTimeout = 2 * time.Second
	pollInterval      = 20 * time.Millisecond
)

// writeZones writes a zones document to a temp dir and returns its path
func writeZones(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zones.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
	return path
}

// helperStates returns the switch helpers of the given zones, all off
func helperStates(zones ...string) map[string]string {
	states := map[string]string{guest.MainSwitchEntity: "off"}
	for _, zone := range zones {
		states[guest.ZoneSwitchEntity(zone)] = "off"
	}
	return states
}

func merge(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func setupEnv(t *testing.T, opts testutil.EnvOptions) *testutil.TestEnv {
	t.Helper()
	env, err := testutil.NewTestEnv(opts)
	require.NoError(t, err)
	t.Cleanup(env.Cleanup)
	env.ClearServiceCalls()
	return env
}

// entityCalls returns "domain.service entity" for every call outside the
// switch helpers
func entityCalls(calls []testutil.ServiceCall) []string {
	var out []string
	for _, call := range testutil.ExcludeDomain(calls, "input_boolean") {
		out = append(out, call.Domain+"."+call.Service+" "+call.EntityID())
	}
	return out
}

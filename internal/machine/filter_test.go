package machine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool { return &v }

func fleet() []Machine {
	osCycle := []string{OSWindows, OSMacOS, OSWindows, OSLinux}
	machines := make([]Machine, 12)
	for i := range machines {
		m := compliant(fmt.Sprintf("m-%02d", i))
		m.OS = osCycle[i%len(osCycle)]
		// every third machine has an issue
		if i%3 == 0 {
			m.SleepPolicyOK = false
		}
		machines[i] = m
	}
	return machines
}

func TestApplyIdentityFilter(t *testing.T) {
	machines := fleet()
	got := Apply(machines, Filter{})
	assert.Equal(t, machines, got)
	assert.False(t, Filter{}.Active())
}

func TestApplyOS(t *testing.T) {
	machines := fleet()
	got := Apply(machines, Filter{OS: OSLinux})
	require.Len(t, got, 3)
	for _, m := range got {
		assert.Equal(t, OSLinux, m.OS)
	}
	// input order preserved
	assert.Equal(t, "m-03", got[0].MachineID)
	assert.Equal(t, "m-07", got[1].MachineID)
	assert.Equal(t, "m-11", got[2].MachineID)
}

func TestApplyIssues(t *testing.T) {
	machines := fleet()

	withIssues := Apply(machines, Filter{HasIssues: boolPtr(true)})
	clean := Apply(machines, Filter{HasIssues: boolPtr(false)})
	assert.Len(t, withIssues, 4)
	assert.Len(t, clean, 8)
	for _, m := range withIssues {
		assert.True(t, m.HasIssues())
	}
	for _, m := range clean {
		assert.False(t, m.HasIssues())
	}
}

func TestApplyCombinesCriteria(t *testing.T) {
	machines := fleet()
	got := Apply(machines, Filter{OS: OSWindows, HasIssues: boolPtr(true)})
	// m-00 and m-06 are Windows with a sleep policy issue
	require.Len(t, got, 2)
	assert.Equal(t, "m-00", got[0].MachineID)
	assert.Equal(t, "m-06", got[1].MachineID)
}

func TestApplyUnknownOS(t *testing.T) {
	assert.Empty(t, Apply(fleet(), Filter{OS: "Plan 9"}))
	assert.Empty(t, Apply(nil, Filter{OS: OSLinux}))
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	machines := fleet()
	before := append([]Machine(nil), machines...)
	_ = Apply(machines, Filter{OS: OSMacOS})
	assert.Equal(t, before, machines)
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name    string
		os      string
		issues  string
		want    Filter
		wantErr bool
	}{
		{name: "unset", want: Filter{}},
		{name: "os only", os: OSLinux, want: Filter{OS: OSLinux}},
		{name: "issues true", issues: "true", want: Filter{HasIssues: boolPtr(true)}},
		{name: "issues false", os: OSMacOS, issues: "false", want: Filter{OS: OSMacOS, HasIssues: boolPtr(false)}},
		{name: "bad issues", issues: "maybe", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFilter(tt.os, tt.issues)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidFilter))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.issues, got.IssuesValue())
		})
	}
}

package seed

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStatusMachineIsConsistent(t *testing.T) {
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	now := time.Now().UTC()

	statuses := DefaultStatuses(42, node, now)
	transitions := DefaultTransitions(42, node, now)

	codes := map[string]bool{}
	initial := 0
	for _, s := range statuses {
		assert.Equal(t, snowflake.ID(42), s.TenantID)
		assert.True(t, s.Active)
		codes[s.Code] = true
		if s.IsInitial {
			initial++
		}
	}
	assert.Equal(t, 1, initial, "exactly one initial status")

	wildcards := 0
	for _, tr := range transitions {
		assert.True(t, codes[tr.ToCode], "unknown destination %s", tr.ToCode)
		if tr.FromCode == nil {
			wildcards++
			continue
		}
		assert.True(t, codes[*tr.FromCode], "unknown source %s", *tr.FromCode)
	}
	assert.Equal(t, 1, wildcards)
}

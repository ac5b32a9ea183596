package state_test

import (
	"os"
	"path/filepath"
	"testing"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParams_EmptyPathReturnsDefaults(t *testing.T) {
	p, err := state.LoadParams("")
	require.NoError(t, err)
	assert.Equal(t, dec("1.1").Dec(), p.MCR.Dec())
	assert.Equal(t, dec("1.25").Dec(), p.CCR.Dec())
	assert.Equal(t, fpmath.GasCompPercent, p.GasCompMode)
	require.NoError(t, state.ValidateParams(p))
}

func TestLoadParams_TOMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.toml")
	body := `
mcr = "1.5"
ccr = "1.75"
gas_compensation_mode = "min"
liquidator_reward = "0.5"
max_batch_size = 20
guard_pool_withdrawal = false
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	p, err := state.LoadParams(path)
	require.NoError(t, err)
	assert.Equal(t, dec("1.5").Dec(), p.MCR.Dec())
	assert.Equal(t, dec("1.75").Dec(), p.CCR.Dec())
	assert.Equal(t, fpmath.GasCompMin, p.GasCompMode)
	assert.Equal(t, dec("0.5").Dec(), p.LiquidatorReward.Dec())
	assert.Equal(t, 20, p.MaxBatchSize)
	assert.False(t, p.GuardPoolWithdrawal)
	assert.Equal(t, dec("1800").Dec(), p.MinNetDebt.Dec(), "unset fields keep defaults")
}

func TestLoadParams_RejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.toml")
	require.NoError(t, os.WriteFile(path, []byte(`mcr = "1.3"`+"\n"+`ccr = "1.2"`), 0o600))

	_, err := state.LoadParams(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`gas_compensation_mode = "half"`), 0o600))
	_, err = state.LoadParams(path)
	require.Error(t, err)
}

package utils

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dominant-strategies/go-sequencer/common"
	"github.com/dominant-strategies/go-sequencer/common/constants"
	"github.com/dominant-strategies/go-sequencer/core/runtime"
	"github.com/dominant-strategies/go-sequencer/core/trigger"
	"github.com/dominant-strategies/go-sequencer/core/types"
	"github.com/dominant-strategies/go-sequencer/crypto"
	"github.com/dominant-strategies/go-sequencer/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.ConfigureLogger(log.WithNullLogger())
	os.Exit(m.Run())
}

// testXDGConfigLoading tests the loading of the config file from the XDG config home
// and verifies values are correctly set in viper.
// This test is nested within the TestCobraFlagConfigLoading test.
func testXDGConfigLoading(t *testing.T) {
	mockConfigPath := t.TempDir()
	tempFile := createMockXDGConfigFile(t, mockConfigPath)
	defer tempFile.Close()

	// write 'log-level = debug' config to mock config.toml file
	_, err := tempFile.WriteString(LogLevelFlag.Name + " = " + "\"debug\"\n")
	require.NoError(t, err)

	viper.SetConfigFile(tempFile.Name())
	InitConfig()

	assert.Equal(t, "debug", viper.GetString(LogLevelFlag.Name))
}

// TestCobraFlagConfigLoading verifies the order of precedence of config
// loading: cobra flag over environment variable over config file.
func TestCobraFlagConfigLoading(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	testXDGConfigLoading(t)
	assert.Equal(t, "debug", viper.GetString(LogLevelFlag.Name))

	t.Setenv(envVar(LogLevelFlag.Name), "error")
	assert.Equal(t, "error", viper.GetString(LogLevelFlag.Name))

	rootCmd := &cobra.Command{}
	CreateAndBindFlag(LogLevelFlag, rootCmd)
	require.NoError(t, rootCmd.PersistentFlags().Set(LogLevelFlag.Name, "trace"))
	assert.Equal(t, "trace", viper.GetString(LogLevelFlag.Name))
}

func TestFlagTypes(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	cmd := &cobra.Command{}
	for _, group := range Flags {
		for _, flag := range group {
			CreateAndBindFlag(flag, cmd)
			require.NotNil(t, cmd.PersistentFlags().Lookup(flag.Name), flag.Name)
		}
	}
	assert.Equal(t, 5*time.Second, viper.GetDuration(BlockIntervalFlag.Name))
	assert.Equal(t, 256, viper.GetInt(TreeHeightFlag.Name))
	assert.True(t, viper.GetBool(MempoolJournalFlag.Name))
	assert.Equal(t, "GO_SEQUENCER_ST_BATCH_SIZE", envVar(StateTransitionBatchSizeFlag.Name))
}

func TestWriteDefaultConfigFile(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	dir := t.TempDir()
	require.NoError(t, WriteDefaultConfigFile(dir, constants.CONFIG_FILE_NAME, constants.CONFIG_FILE_TYPE))
	require.Error(t, WriteDefaultConfigFile(dir, "config.yaml", "yaml"))

	data, err := os.ReadFile(filepath.Join(dir, constants.CONFIG_FILE_NAME))
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "block-interval"))

	viper.SetConfigFile(filepath.Join(dir, constants.CONFIG_FILE_NAME))
	require.NoError(t, viper.ReadInConfig())
	assert.Equal(t, 30*time.Second, viper.GetDuration(SettlementIntervalFlag.Name))
	assert.Equal(t, "timed", viper.GetString(TriggerFlag.Name))
	assert.Equal(t, 8547, viper.GetInt(QueuePortFlag.Name))
}

func TestMakeSequencer(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	viper.Set(DBEngineFlag.Name, "memory")
	viper.Set(TreeHeightFlag.Name, 32)
	viper.Set(TriggerFlag.Name, trigger.Manual)
	viper.Set(QueueBackendFlag.Name, QueueBackendLocal)
	viper.Set(StateTransitionBatchSizeFlag.Name, 2)
	viper.Set(FlowDeadlineFlag.Name, time.Minute)

	node, err := MakeSequencer(nil, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, node.Start(ctx))
	defer node.Stop()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tx, err := types.SignTx(types.NewTransaction(runtime.MethodID("balances", "mint"), 0, key.PublicKey(),
		key.PublicKey().Hash(), common.Uint64ToHash(10)), key)
	require.NoError(t, err)
	_, admitted, err := node.SubmitTransaction(tx)
	require.NoError(t, err)
	require.True(t, admitted)

	manual, ok := node.Trigger.(*trigger.ManualTrigger)
	require.True(t, ok)
	block, err := manual.ProduceBlock(ctx)
	require.NoError(t, err)
	require.NotNil(t, block)
	require.Equal(t, uint64(0), block.Height)
	require.Equal(t, common.Hashes{tx.Hash()}, block.TxHashes())
}

func TestLocalProvingChargesLatencyOnce(t *testing.T) {
	proofs, queue := localProving(250*time.Millisecond, nil)
	defer queue.Close()
	require.Equal(t, 250*time.Millisecond, queue.SimulatedDuration())
	require.Zero(t, proofs.Duration)
}

func TestInspectBlocks(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	viper.Set(DBEngineFlag.Name, "leveldb")
	viper.Set(DataDirFlag.Name, t.TempDir())
	viper.Set(TreeHeightFlag.Name, 32)
	viper.Set(TriggerFlag.Name, trigger.Manual)
	viper.Set(QueueBackendFlag.Name, QueueBackendLocal)
	viper.Set(AllowEmptyBlocksFlag.Name, true)
	viper.Set(FlowDeadlineFlag.Name, time.Minute)

	node, err := MakeSequencer(nil, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, node.Start(ctx))
	manual := node.Trigger.(*trigger.ManualTrigger)
	first, err := manual.ProduceBlock(ctx)
	require.NoError(t, err)
	second, err := manual.ProduceBlock(ctx)
	require.NoError(t, err)
	require.NoError(t, node.Stop())

	var out bytes.Buffer
	require.NoError(t, InspectBlocks(ctx, &out, 1, 10, nil))
	assert.Contains(t, out.String(), second.Hash.TerminalString())
	assert.NotContains(t, out.String(), first.Hash.TerminalString())
	assert.Contains(t, out.String(), "HEIGHT")
}

// helper function to create a mock XDG directory and config file
func createMockXDGConfigFile(t *testing.T, dir string) *os.File {
	t.Helper()
	err := os.MkdirAll(dir, 0755)
	require.NoError(t, err)
	tmpFile, err := os.Create(dir + constants.CONFIG_FILE_NAME)
	require.NoError(t, err)
	return tmpFile
}

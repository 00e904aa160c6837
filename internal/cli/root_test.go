package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
)

const testCatalog = `
plans:
  - id: mc-4
    name: Minecraft 4GB
    ram_gb: 4
    disk_gb: 20
    resource_template_id: "5"
    game_key: minecraft
nodes:
  - id: fra-1
    region: eu-central
    max_ram_gb: 64
    max_disk_gb: 1000
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "migrate", "provision", "audit", "summary"} {
		name := name
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	flag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
	assert.Equal(t, "", flag.DefValue)
}

func TestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	migrateCmd, _, err := cmd.Find([]string{"migrate"})
	require.NoError(t, err)
	assert.NotNil(t, migrateCmd.Flags().Lookup("catalog"))

	provisionCmd, _, err := cmd.Find([]string{"provision"})
	require.NoError(t, err)
	timeout := provisionCmd.Flags().Lookup("timeout")
	require.NotNil(t, timeout)
	assert.Equal(t, "5m0s", timeout.DefValue)
}

func TestProvisionRequiresOrderID(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"provision"})
	assert.Error(t, cmd.Execute())
}

func TestSummaryWithMemoryStore(t *testing.T) {
	dir := t.TempDir()
	catalogPath := writeFile(t, dir, "catalog.yaml", testCatalog)
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("STORE_CATALOG", catalogPath)
	t.Setenv("LOG_LEVEL", "error")

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"summary"})
	require.NoError(t, cmd.Execute())

	var summary models.OpsSummary
	require.NoError(t, json.Unmarshal(out.Bytes(), &summary))
	assert.Equal(t, 0, summary.OrdersByStatus[string(models.OrderStatusPending)])
	assert.Equal(t, 0, summary.StuckOrders)
	assert.Nil(t, summary.LastWebhookReceivedAt)
}

func TestAuditWithMemoryStore(t *testing.T) {
	dir := t.TempDir()
	catalogPath := writeFile(t, dir, "catalog.yaml", testCatalog)
	configPath := writeFile(t, dir, "config.yaml", "store:\n  driver: memory\n  catalog: "+catalogPath+"\nlog:\n  level: error\n")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("STORE_CATALOG", "")

	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", configPath, "audit"})
	require.NoError(t, cmd.Execute())

	var report models.AuditReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 0, report.Scanned)
	assert.NotEmpty(t, report.CompletedAt)
}

func TestProvisionUnknownOrder(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("STORE_CATALOG", writeFile(t, dir, "catalog.yaml", testCatalog))
	t.Setenv("LOG_LEVEL", "error")

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"provision", "missing"})
	assert.Error(t, cmd.Execute())
}

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
	"github.com/nganga-moses/overwatch-cloud/internal/syncengine"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "syncadm", cmd.Use)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
	require.NotNil(t, cmd.PersistentFlags().Lookup("database-url"))
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	paths := [][]string{
		{"migrate", "up"},
		{"migrate", "down"},
		{"migrate", "version"},
		{"verify"},
		{"log", "tail"},
		{"log", "audit"},
		{"workstation", "register"},
		{"workstation", "list"},
		{"dlq", "retry"},
		{"dlq", "stats"},
	}
	for _, path := range paths {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestCommandFlags(t *testing.T) {
	cmd := NewRootCommand()

	tail, _, err := cmd.Find([]string{"log", "tail"})
	require.NoError(t, err)
	assert.Equal(t, "50", tail.Flags().Lookup("limit").DefValue)
	assert.Equal(t, "0", tail.Flags().Lookup("since").DefValue)

	down, _, err := cmd.Find([]string{"migrate", "down"})
	require.NoError(t, err)
	assert.Equal(t, "1", down.Flags().Lookup("steps").DefValue)

	retry, _, err := cmd.Find([]string{"dlq", "retry"})
	require.NoError(t, err)
	assert.Equal(t, "100", retry.Flags().Lookup("batch").DefValue)
}

func TestInvalidFormatRejected(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "yaml", "migrate", "version"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestVerifyRequiresCustomer(t *testing.T) {
	t.Setenv("ENV_FILE", t.TempDir()+"/missing.env")
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"verify"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "customer")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("boom")))
	assert.Equal(t, ExitCommandError, ExitCode(WrapExitError(ExitCommandError, "connect", errors.New("refused"))))

	wrapped := WrapExitError(ExitCommandError, "connect to postgres", errors.New("refused"))
	assert.Equal(t, "connect to postgres: refused", wrapped.Error())
}

func TestOutputFormatterJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	err := f.Success(MigrationStatus{Version: 1}, nil)
	require.NoError(t, err)

	var resp struct {
		Status string          `json:"status"`
		Data   MigrationStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, uint(1), resp.Data.Version)
}

func TestChangeTable(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := f.Table(changeHeader, changeRows([]domain.ChangeEntry{{
		Version:       7,
		EntityType:    domain.EntityVenue,
		EntityID:      "venue-1",
		Operation:     domain.OpUpsert,
		WorkstationID: "ws-a",
		RecordedAt:    at,
	}}))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "venue-1")
	assert.Contains(t, out, "2026-03-01T12:00:00Z")
}

func TestAuditRows(t *testing.T) {
	rows := auditRows([]domain.SyncEvent{{
		WorkstationID: "ws-a",
		Direction:     domain.DirectionPush,
		Status:        "completed",
		VersionBefore: 4,
		VersionAfter:  6,
		Duration:      1500 * time.Millisecond,
		CreatedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}})
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"2026-03-01T12:00:00Z", "ws-a", "push", "completed", "4..6", "1.5s", ""}, rows[0])
}

func TestRenderVerifyReport(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, renderVerifyReport(buf, syncengine.VerifyReport{CustomerID: "c1", AtVersion: 3, Entries: 3, Entities: 2}))
	assert.Contains(t, buf.String(), "OK")

	buf.Reset()
	report := syncengine.VerifyReport{
		CustomerID: "c1",
		Mismatches: []syncengine.Mismatch{{
			Ref:    domain.EntityRef{Type: domain.EntityVenue, ID: "venue-1"},
			Reason: "payload differs",
		}},
	}
	require.NoError(t, renderVerifyReport(buf, report))
	assert.Contains(t, buf.String(), "MISMATCH venue/venue-1: payload differs")
}

func TestRenderHelpers(t *testing.T) {
	assert.Equal(t, "schema version 2 (dirty)", renderMigrationStatus(MigrationStatus{Version: 2, Dirty: true}))
	assert.Equal(t, "never", formatOptionalTime(nil))

	buf := &bytes.Buffer{}
	require.NoError(t, renderDLQResult(buf, DLQRetryResult{Requeued: 2, Pending: 1}, true))
	assert.Equal(t, "requeued 2 entries\npending 1, quarantined 0\n", buf.String())
}

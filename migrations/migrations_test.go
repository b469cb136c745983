package migrations

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMySQLSourceHasInitVersion(t *testing.T) {
	src, err := MySQLSource()
	require.NoError(t, err)
	defer src.Close()

	version, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	up, ident, err := src.ReadUp(version)
	require.NoError(t, err)
	defer up.Close()
	assert.Equal(t, "init", ident)

	b, err := io.ReadAll(up)
	require.NoError(t, err)
	sql := string(b)
	for _, table := range []string{"inbound_events", "subscriptions", "failed_payments", "notification_log", "outbox"} {
		assert.Contains(t, sql, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	assert.Contains(t, sql, "UNIQUE KEY uq_notification_log_day (subscription_id, notification_type, sent_date)")
	assert.Contains(t, sql, "UNIQUE KEY uq_failed_payments_period (subscription_id, period_end)")

	down, _, err := src.ReadDown(version)
	require.NoError(t, err)
	defer down.Close()
	b, err = io.ReadAll(down)
	require.NoError(t, err)
	assert.Contains(t, string(b), "DROP TABLE IF EXISTS inbound_events")
}

func TestClickHouseStatementsSplit(t *testing.T) {
	scripts, err := ClickHouse()
	require.NoError(t, err)
	require.Len(t, scripts, 1)
	assert.Equal(t, "clickhouse/001_init.sql", scripts[0].Name)

	stmts := scripts[0].Statements()
	require.Len(t, stmts, 2)
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE DATABASE"))
	assert.True(t, strings.HasPrefix(stmts[1], "CREATE TABLE IF NOT EXISTS billrec.subscription_transitions"))
}

func TestStatementsSkipCommentOnlyChunks(t *testing.T) {
	s := Script{SQL: "-- header\nSELECT 1;\n-- trailing note\n"}
	assert.Equal(t, []string{"SELECT 1"}, s.Statements())
}

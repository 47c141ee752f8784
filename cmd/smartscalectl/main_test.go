package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timamz/SmartScale/pkg/models"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	for _, path := range [][]string{
		{"migrate", "up"},
		{"migrate", "down"},
		{"migrate", "version"},
		{"keys", "create"},
		{"keys", "list"},
		{"keys", "revoke"},
		{"prices", "list"},
		{"prices", "set"},
		{"model", "show"},
		{"model", "reload"},
		{"job", "get"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestRootCmd_RejectsBadArgs(t *testing.T) {
	tests := [][]string{
		{"prices", "set", "Banana"},
		{"keys", "revoke"},
		{"job", "get", "a", "b"},
	}
	for _, args := range tests {
		root := newRootCmd()
		root.PersistentPreRunE = nil
		root.SetArgs(args)
		root.SetOut(&bytes.Buffer{})
		assert.Error(t, root.Execute(), args)
	}
}

func TestWriteKeys(t *testing.T) {
	used := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	keys := []*models.APIKey{
		{ID: uuid.New(), Name: "kiosk", KeyPrefix: "ss_abcde", Scopes: []string{"admin"}, LastUsedAt: &used},
		{ID: uuid.New(), Name: "reader", KeyPrefix: "ss_fghij", Scopes: []string{}},
	}

	var buf bytes.Buffer
	require.NoError(t, writeKeys(&buf, keys))

	out := buf.String()
	assert.Contains(t, out, "PREFIX")
	assert.Contains(t, out, "ss_abcde")
	assert.Contains(t, out, "2026-05-01T12:00:00Z")
	assert.Contains(t, out, "never")
}

func TestWritePrices(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writePrices(&buf, []*models.PriceEntry{{Label: "Banana", PricePerUnit: 1.19}}))

	assert.Contains(t, buf.String(), "Banana")
	assert.Contains(t, buf.String(), "1.19")
}

func TestWriteJob(t *testing.T) {
	label := "Apple"
	job := &models.Job{ID: uuid.New(), Status: models.JobStatusDone, PredictedLabel: &label}

	var buf bytes.Buffer
	require.NoError(t, writeJob(&buf, job))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "done", got["status"])
	assert.Equal(t, "Apple", got["predicted_label"])
}

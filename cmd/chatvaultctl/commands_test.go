package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatvault/internal/api"
)

func TestParseChatID(t *testing.T) {
	id, err := parseChatID("-1001234567890")
	require.NoError(t, err)
	assert.Equal(t, int64(-1001234567890), id)

	for _, bad := range []string{"", "0", "abc", "12x"} {
		_, err := parseChatID(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("")
	require.NoError(t, err)
	assert.Zero(t, got)

	got, err = parseTime("1700000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), got)

	got, err = parseTime("2024-03-01T10:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Unix(), got)

	got, err = parseTime("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.Local).Unix(), got)

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}

func TestResumeRequest(t *testing.T) {
	ev := api.ProgressEvent{
		Result: "aborted",
		Metadata: map[string]any{
			"rate_limited":     true,
			"wait_seconds":     float64(30),
			"resume_offset_id": float64(121),
			"stored":           float64(80),
		},
	}
	require.True(t, rateLimited(ev))

	req := resumeRequest(api.SyncRequest{ChatID: 1, Limit: 100, Resume: true}, ev)
	assert.Equal(t, int64(121), req.OffsetID)
	assert.False(t, req.Resume)
	assert.Equal(t, 20, req.Limit)

	req = resumeRequest(api.SyncRequest{ChatID: 1}, api.ProgressEvent{Metadata: map[string]any{}})
	assert.True(t, req.Resume)
	assert.Zero(t, req.OffsetID)
}

func TestJobError(t *testing.T) {
	assert.NoError(t, jobError(api.ProgressEvent{Result: "success"}))
	assert.NoError(t, jobError(api.ProgressEvent{Result: "partial"}))

	err := jobError(api.ProgressEvent{JobID: "0123456789", Result: "aborted", Metadata: map[string]any{"rate_limited": true, "wait_seconds": float64(42)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "01234567")
	assert.Contains(t, err.Error(), "42s")

	err = jobError(api.ProgressEvent{Result: "fatal", Message: "authorization expired"})
	assert.ErrorContains(t, err, "authorization expired")
}

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[##########..........]", progressBar(50, 20))
	assert.Equal(t, "[....]", progressBar(-5, 4))
	assert.Equal(t, "[####]", progressBar(150, 4))
}

func TestRootHasCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"status", "sync", "embed", "search", "jobs", "chats", "cursor", "folder", "remove", "watch"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	sync, _, err := root.Find([]string{"sync"})
	require.NoError(t, err)
	assert.NotNil(t, sync.Flags().Lookup("wait-flood"))
}

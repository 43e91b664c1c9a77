package main

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/wa-lead-router/migrations"
)

func TestParseArgs(t *testing.T) {
	cases := []struct {
		args    []string
		cmd     string
		n       int
		wantErr bool
	}{
		{args: nil, cmd: "up"},
		{args: []string{"version"}, cmd: "version"},
		{args: []string{"force", "3"}, cmd: "force", n: 3},
		{args: []string{"down", "1"}, cmd: "down", n: 1},
		{args: []string{"down", "0"}, wantErr: true},
		{args: []string{"force"}, wantErr: true},
		{args: []string{"sideways"}, wantErr: true},
	}
	for _, tc := range cases {
		cmd, n, err := parseArgs(tc.args)
		if tc.wantErr {
			assert.Error(t, err, tc.args)
			continue
		}
		require.NoError(t, err, tc.args)
		assert.Equal(t, tc.cmd, cmd)
		assert.Equal(t, tc.n, n)
	}
}

func TestRunRequiresDatabaseURL(t *testing.T) {
	assert.EqualError(t, run(nil, ""), "DATABASE_URL is required")
}

func TestMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(migrations.FS, "*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrations.FS, "*.down.sql")
	require.NoError(t, err)
	assert.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}

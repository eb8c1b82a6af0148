package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryMap(t *testing.T) {
	qmap := NewQueryMap().
		Add(1, Query{
			Sqlite:   "INSERT OR REPLACE INTO vocabulary (gid, word, token) VALUES (?, ?, ?)",
			Postgres: "INSERT INTO vocabulary (gid, word, token) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING",
		}).
		AddSame(2, "SELECT COUNT(*) FROM vocabulary")

	tests := []struct {
		name    string
		dbType  Type
		cmd     DBCmd
		want    string
		wantErr bool
	}{
		{name: "sqlite insert", dbType: Sqlite, cmd: 1,
			want: "INSERT OR REPLACE INTO vocabulary (gid, word, token) VALUES (?, ?, ?)"},
		{name: "postgres insert", dbType: Postgres, cmd: 1,
			want: "INSERT INTO vocabulary (gid, word, token) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING"},
		{name: "same for sqlite", dbType: Sqlite, cmd: 2, want: "SELECT COUNT(*) FROM vocabulary"},
		{name: "same for postgres", dbType: Postgres, cmd: 2, want: "SELECT COUNT(*) FROM vocabulary"},
		{name: "unknown db type", dbType: Unknown, cmd: 1, wantErr: true},
		{name: "unknown command", dbType: Sqlite, cmd: 99, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := qmap.Pick(tt.dbType, tt.cmd)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.True(t, qmap.Has(1))
	assert.True(t, qmap.Has(2))
	assert.False(t, qmap.Has(3))
}

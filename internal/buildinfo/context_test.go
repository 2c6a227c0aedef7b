package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextAccessors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                  string
		ctx                   *Context
		version, date, commit string
	}{
		{
			name:    "nil context",
			ctx:     nil,
			version: UnknownValue, date: UnknownValue, commit: UnknownValue,
		},
		{
			name:    "empty values",
			ctx:     NewContext("", "", ""),
			version: UnknownValue, date: UnknownValue, commit: UnknownValue,
		},
		{
			name:    "pre-release tag",
			ctx:     NewContext("1.2.0-rc.1", "2024-03-10T12:00:00Z", "3f2a9c1"),
			version: "1.2.0-rc.1", date: "2024-03-10T12:00:00Z", commit: "3f2a9c1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.version, tt.ctx.Version())
			assert.Equal(t, tt.date, tt.ctx.BuildDate())
			assert.Equal(t, tt.commit, tt.ctx.Commit())
		})
	}
}

func TestContextString(t *testing.T) {
	t.Parallel()

	c := NewContext("1.0.0", "2024-03-10", "abc123")
	assert.Equal(t, "frostytrail 1.0.0 (commit abc123, built 2024-03-10)", c.String())
	assert.Equal(t, "frostytrail unknown (commit unknown, built unknown)", (*Context)(nil).String())
}

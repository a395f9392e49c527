package widget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		name string
		args []string
	}{
		{"/escalate", "escalate", []string{}},
		{"  /END  ", "end", []string{}},
		{"/history all", "history", []string{"all"}},
	}
	for _, tt := range tests {
		cmd := ParseCommand(tt.in)
		require.NotNil(t, cmd, tt.in)
		assert.Equal(t, tt.name, cmd.Name)
		assert.Equal(t, tt.args, cmd.Args)
	}

	assert.Nil(t, ParseCommand("hello /escalate"))
	assert.Nil(t, ParseCommand("/"))
	assert.Nil(t, ParseCommand(""))
}

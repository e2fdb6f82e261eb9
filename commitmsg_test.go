package gitsync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestValidateCommitMessage tests conventional commit enforcement.
func TestValidateCommitMessage(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		wantErr bool
	}{
		{name: "plain type", msg: "fix: handle empty pointer files", wantErr: false},
		{name: "type with scope", msg: "feat(sync): add conflict reporting", wantErr: false},
		{name: "default sync message", msg: defaultSyncMessage, wantErr: false},
		{name: "default merge message", msg: defaultMergeMessage, wantErr: false},
		{name: "breaking change marker", msg: "feat!: change lock record layout", wantErr: false},
		{name: "empty", msg: "", wantErr: true},
		{name: "no type", msg: "updated some files", wantErr: true},
		{name: "unknown type", msg: "yolo: ship it", wantErr: true},
		{name: "missing description", msg: "fix:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCommitMessage(tt.msg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrCommitMessage))
				return
			}
			require.NoError(t, err)
		})
	}
}

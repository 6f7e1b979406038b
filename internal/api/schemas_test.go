package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunSequenceRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		request RunSequenceRequest
		want    []string
		errMsg  string
	}{
		{
			name:    "valid request",
			request: RunSequenceRequest{Tasks: []string{" update_user_status", "disable_expired_users "}},
			want:    []string{"update_user_status", "disable_expired_users"},
		},
		{
			name:    "no tasks",
			request: RunSequenceRequest{},
			errMsg:  "tasks is empty",
		},
		{
			name:    "blank task",
			request: RunSequenceRequest{Tasks: []string{"cleanup_logs", "  "}},
			errMsg:  "task 2 has an empty name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.request.validate()
			if tt.errMsg != "" {
				assert.ErrorContains(t, err, tt.errMsg)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, tt.request.Tasks)
		})
	}
}

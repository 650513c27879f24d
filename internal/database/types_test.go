package database

import "testing"

func TestPhotoHasUser(t *testing.T) {
	p := &Photo{MatchedUsers: []MatchedUser{{UserID: "u1"}, {UserID: "u2"}}}

	if !p.HasUser("u1") {
		t.Error("expected u1 to be present")
	}
	if p.HasUser("u3") {
		t.Error("expected u3 to be absent")
	}
	if (&Photo{}).HasUser("u1") {
		t.Error("empty photo should not contain any user")
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskStatusPending, false},
		{TaskStatusProcessing, false},
		{TaskStatusCompleted, true},
		{TaskStatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

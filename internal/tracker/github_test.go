package tracker

import "testing"

func TestSplitRepo(t *testing.T) {
	tests := []struct {
		name      string
		repo      string
		wantOwner string
		wantName  string
		wantErr   bool
	}{
		{"valid", "conveyor-dev/conveyor", "conveyor-dev", "conveyor", false},
		{"missing slash", "conveyor", "", "", true},
		{"empty owner", "/conveyor", "", "", true},
		{"empty name", "conveyor-dev/", "", "", true},
		{"empty", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, name, err := splitRepo(tt.repo)
			if (err != nil) != tt.wantErr {
				t.Fatalf("splitRepo(%q) error = %v, wantErr %v", tt.repo, err, tt.wantErr)
			}
			if owner != tt.wantOwner || name != tt.wantName {
				t.Errorf("splitRepo(%q) = %q, %q, want %q, %q", tt.repo, owner, name, tt.wantOwner, tt.wantName)
			}
		})
	}
}

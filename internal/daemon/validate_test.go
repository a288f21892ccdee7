package daemon

import (
	"strings"
	"testing"

	"github.com/schovi/sdlive/internal/id"
)

func TestValidateRunID(t *testing.T) {
	tests := []struct {
		name    string
		run     string
		wantErr bool
		errMsg  string
	}{
		{"generated", id.NewRunID(), false, ""},
		{"fixed", "run_01ARZ3NDEKTSV4RRFFQ69G5FAV", false, ""},

		{"empty", "", true, "cannot be empty"},
		{"job prefix", "job_01ARZ3NDEKTSV4RRFFQ69G5FAV", true, "invalid run id"},
		{"traversal", "../etc/passwd", true, "invalid run id"},
		{"short ulid", "run_01ARZ3", true, "invalid run id"},
		{"separator", "run_01ARZ3NDEKTSV4RRFFQ69G5FA/", true, "invalid run id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRunID(tt.run)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ValidateRunID(%q) = nil, want error containing %q", tt.run, tt.errMsg)
				} else if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("ValidateRunID(%q) = %v, want error containing %q", tt.run, err, tt.errMsg)
				}
			} else if err != nil {
				t.Errorf("ValidateRunID(%q) = %v, want nil", tt.run, err)
			}
		})
	}
}

func TestValidateDest(t *testing.T) {
	tests := []struct {
		dest    string
		wantErr bool
	}{
		{"/home/me/favorite.png", false},
		{"", true},
		{"favorite.png", true},
		{"/home/me/favorite", true},
	}

	for _, tt := range tests {
		t.Run(tt.dest, func(t *testing.T) {
			if err := ValidateDest(tt.dest); (err != nil) != tt.wantErr {
				t.Errorf("ValidateDest(%q) = %v, wantErr %v", tt.dest, err, tt.wantErr)
			}
		})
	}
}

package config

import (
	"errors"
	"strings"
	"testing"
)

func TestNewAccessValidator(t *testing.T) {
	tests := []struct {
		name   string
		rules  []TriggerRule
		errMsg string
	}{
		{"empty rules", nil, ""},
		{"literal and regexp", []TriggerRule{
			{Executor: "billing", Handler: "charge", Access: AccessAllow},
			{Executor: "/report-.*/", Handler: "/.*/", Access: "allow"},
		}, ""},
		{"invalid executor regexp", []TriggerRule{{Executor: "/bill[/", Handler: "x", Access: AccessAllow}}, "invalid executor pattern"},
		{"invalid handler regexp", []TriggerRule{{Executor: "x", Handler: "/(a/", Access: AccessAllow}}, "invalid handler pattern"},
		{"invalid access", []TriggerRule{{Executor: "x", Handler: "y", Access: "INTERNAL"}}, "invalid access level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAccessValidator(tt.rules)
			if tt.errMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Fatalf("error = %v, want %q", err, tt.errMsg)
			}
		})
	}
}

func TestAccessValidatorCheck(t *testing.T) {
	v, err := NewAccessValidator([]TriggerRule{
		{Executor: "billing", Handler: "purge", Access: AccessReject},
		{Executor: "billing", Handler: "/.*/", Access: AccessAllow},
		{Executor: "/report-[0-9]+/", Handler: "render", Access: AccessAllow},
	})
	if err != nil {
		t.Fatalf("NewAccessValidator() error = %v", err)
	}

	tests := []struct {
		executor, handler string
		allowed           bool
	}{
		{"billing", "charge", true},
		{"billing", "purge", false},
		{"report-7", "render", true},
		{"report-7x", "render", false},
		{"report-7", "delete", false},
		{"unknown", "charge", false},
	}
	for _, tt := range tests {
		err := v.Check(tt.executor, tt.handler)
		if tt.allowed && err != nil {
			t.Errorf("Check(%s, %s) = %v, want allowed", tt.executor, tt.handler, err)
		}
		if !tt.allowed && !errors.Is(err, ErrAccessDenied) {
			t.Errorf("Check(%s, %s) = %v, want ErrAccessDenied", tt.executor, tt.handler, err)
		}
	}
}

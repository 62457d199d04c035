package virtual

import (
	"errors"
	"testing"
)

func TestStateFor(t *testing.T) {
	cases := []struct {
		name   string
		report *Report
		err    error
		want   LaunchState
	}{
		{"create error", nil, errors.New("exec: not found"), LaunchFailedMidway},
		{"nil report", nil, nil, LaunchFailedMidway},
		{"no instance name", &Report{Status: "SUCCESS"}, nil, LaunchFailedMidway},
		{"failure status", &Report{Status: "FAILURE", InstanceName: "cvd-1"}, nil, LaunchFailedMidway},
		{"running", &Report{Status: "SUCCESS", InstanceName: "cvd-1", Port: 6520}, nil, Running},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := StateFor(tc.report, tc.err)
			if got != tc.want {
				t.Errorf("StateFor() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestReportSucceeded(t *testing.T) {
	if (*Report)(nil).Succeeded() {
		t.Error("nil report must not report success")
	}
	r := &Report{Status: "SUCCESS", InstanceName: "cvd-1"}
	if !r.Succeeded() {
		t.Error("SUCCESS status must report success")
	}
	r.Status = "FAILURE"
	if r.Succeeded() {
		t.Error("FAILURE status must not report success")
	}
}

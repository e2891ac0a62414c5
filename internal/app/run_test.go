package app

import "testing"

func TestNewRun(t *testing.T) {
	r := NewRun("abc", "Publish", "--careful", "--suite=focal")
	if r.ID != 0 {
		t.Errorf("ID = %d, want 0", r.ID)
	}
	if r.Persisted() {
		t.Error("new run should not be persisted")
	}
	if r.Status != "success" {
		t.Errorf("Status = %q, want success", r.Status)
	}
	if r.Parameters != "--careful --suite=focal" {
		t.Errorf("Parameters = %q", r.Parameters)
	}

	r.ID = 7
	if !r.Persisted() {
		t.Error("run with ID should be persisted")
	}

	r.Fail()
	if r.Status != "error" {
		t.Errorf("Status after Fail = %q, want error", r.Status)
	}
}

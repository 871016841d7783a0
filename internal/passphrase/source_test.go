package passphrase

import "testing"

func TestSourceReadsEnvironment(t *testing.T) {
	t.Setenv("IRS_TEST_PASSPHRASE", "hunter2")
	src := NewSource("IRS_TEST_PASSPHRASE")
	got, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("unexpected passphrase %q", got)
	}
	t.Setenv("IRS_TEST_PASSPHRASE", "changed")
	if again, _ := src.Get(); again != "hunter2" {
		t.Fatalf("expected cached value, got %q", again)
	}
}

func TestSourceEmptyValue(t *testing.T) {
	t.Setenv("IRS_TEST_PASSPHRASE", "")
	if _, err := NewSource("IRS_TEST_PASSPHRASE").Get(); err == nil {
		t.Fatalf("expected empty passphrase to be rejected")
	}
	got, err := NewSource("IRS_TEST_PASSPHRASE", AllowEmpty(), WithLabel("owner keystore passphrase")).Get()
	if err != nil {
		t.Fatalf("allow empty: %v", err)
	}
	if got != "" {
		t.Fatalf("unexpected passphrase %q", got)
	}
}

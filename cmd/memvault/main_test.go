package main

import "testing"

func TestParseKV(t *testing.T) {
	got, err := parseKV([]string{"team=infra", "tier=2", "note=a=b"})
	if err != nil {
		t.Fatal(err)
	}
	if got["team"] != "infra" || got["tier"] != "2" || got["note"] != "a=b" {
		t.Errorf("parseKV() = %v", got)
	}

	if _, err := parseKV([]string{"noequals"}); err == nil {
		t.Error("malformed pair accepted")
	}
	if got, err := parseKV(nil); err != nil || got != nil {
		t.Errorf("parseKV(nil) = (%v, %v)", got, err)
	}
}

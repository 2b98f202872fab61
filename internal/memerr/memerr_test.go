package memerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"tagged", New(KindValidation, "bad input"), KindValidation},
		{"wrapped tagged", fmt.Errorf("outer: %w", New(KindNotFound, "missing")), KindNotFound},
		{"double wrap keeps inner kind visible", Wrap(New(KindRate, "429"), KindUpstream, "embed"), KindUpstream},
		{"untagged", errors.New("boom"), KindWorkflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindValidation, false},
		{KindNotFound, false},
		{KindAuthentication, false},
		{KindAuthorization, false},
		{KindStorage, true},
		{KindUpstream, true},
		{KindRate, true},
		{KindWorkflow, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := Retryable(New(tt.kind, "x")); got != tt.want {
				t.Errorf("Retryable(%s) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}

	if Retryable(nil) {
		t.Error("Retryable(nil) should be false")
	}
}

func TestWithDetailScrubsSensitiveKeys(t *testing.T) {
	e := New(KindStorage, "put failed").
		WithDetail("bucket", "docs").
		WithDetail("access_key", "AKIA123").
		WithDetail("password", "hunter2").
		WithDetail("api_token", "t").
		WithDetail("client_secret", "s").
		WithDetail("credential_file", "/tmp/x")

	if _, ok := e.Details["bucket"]; !ok {
		t.Error("benign detail should be kept")
	}
	for _, k := range []string{"access_key", "password", "api_token", "client_secret", "credential_file"} {
		if _, ok := e.Details[k]; ok {
			t.Errorf("sensitive detail %q should be scrubbed", k)
		}
	}
}

func TestCorrelationIDPreservedAcrossWrap(t *testing.T) {
	inner := New(KindStorage, "disk full")
	outer := Wrap(inner, KindWorkflow, "store_document failed")

	if inner.CorrelationID == "" {
		t.Fatal("correlation id should be assigned")
	}
	if outer.CorrelationID != inner.CorrelationID {
		t.Errorf("wrap should preserve correlation id: %s != %s", outer.CorrelationID, inner.CorrelationID)
	}
	if CorrelationID(outer) != inner.CorrelationID {
		t.Error("CorrelationID helper should find the id")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, KindStorage, "x") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestUnwrapChain(t *testing.T) {
	cause := errors.New("connection reset")
	e := Wrap(cause, KindStorage, "s3 put")
	if !errors.Is(e, cause) {
		t.Error("wrapped cause should be reachable via errors.Is")
	}
}

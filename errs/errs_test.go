package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesComponentAndCause(t *testing.T) {
	err := New(
		"rest",
		CodeApplication,
		WithHTTP(400),
		WithMessage("order rejected"),
		WithRawBody(`{"code":-2010,"msg":"insufficient balance"}`),
		WithCause(errors.New("backend http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=rest") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=application") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "http=400") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	if !strings.Contains(out, `message="order rejected"`) {
		t.Fatalf("expected message in error string: %s", out)
	}
	if !strings.Contains(out, `cause="backend http 400"`) {
		t.Fatalf("expected cause in error string: %s", out)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New("transport", CodeTransport, WithCause(cause))

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to match wrapped cause")
	}
}

func TestErrorDefaultsForEmptyFields(t *testing.T) {
	err := New("", "")
	out := err.Error()
	if !strings.Contains(out, "component=unknown") {
		t.Fatalf("expected unknown component placeholder, got %s", out)
	}
	if !strings.Contains(out, "code=unknown") {
		t.Fatalf("expected unknown code placeholder, got %s", out)
	}
}

func TestIsCode(t *testing.T) {
	err := Timeout("transport", "wait for open")
	if !IsCode(err, CodeTimeout) {
		t.Fatalf("expected timeout code match")
	}
	if IsCode(err, CodeTransport) {
		t.Fatalf("unexpected transport code match")
	}
	if IsCode(errors.New("plain"), CodeTimeout) {
		t.Fatalf("plain error must not match")
	}
}

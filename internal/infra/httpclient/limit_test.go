package httpclient

import (
	"bytes"
	"strings"
	"testing"
)

func TestReadAllWithLimitWithinLimit(t *testing.T) {
	payload := []byte(`{"tasks":[]}`)
	got, err := ReadAllWithLimit(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestReadAllWithLimitTooLarge(t *testing.T) {
	_, err := ReadAllWithLimit(strings.NewReader("hello"), 2)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsResponseTooLarge(err) {
		t.Fatalf("expected ResponseTooLargeError, got %v", err)
	}
}

func TestReadAllWithLimitUnlimited(t *testing.T) {
	got, err := ReadAllWithLimit(strings.NewReader("hello"), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
}

func TestReadSnippetTruncates(t *testing.T) {
	if got := ReadSnippet(strings.NewReader("credit balance is too low"), 6); got != "credit" {
		t.Fatalf("unexpected snippet %q", got)
	}
	if got := ReadSnippet(nil, 10); got != "" {
		t.Fatalf("expected empty snippet, got %q", got)
	}
}

package audit

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRedactPath(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":                               "",
		"/api/patients/42":               "/api/patients/:id",
		"/api/patients/42?full=true":     "/api/patients/:id",
		"/api/sessions/abc123def456ghij": "/api/sessions/:id",
		"/api/health":                    "/api/health",
		"/api/v1/notes":                  "/api/v1/notes",
	}
	for in, want := range cases {
		if got := redactPath(in); got != want {
			t.Fatalf("redactPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRedactDetailsNested(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"device":{"known":true},"list":[{"email":"a@b.c"}],"limit":5}`)
	out := string(redactDetails(raw, []byte("salt")))
	if strings.Contains(out, "a@b.c") || strings.Contains(out, `"known"`) {
		t.Fatalf("sensitive values leaked: %s", out)
	}
	if !strings.Contains(out, "device_hash") || !strings.Contains(out, "email_hash") || !strings.Contains(out, `"limit":5`) {
		t.Fatalf("unexpected redaction: %s", out)
	}
}

func TestRedactDetailsInvalidPayload(t *testing.T) {
	t.Parallel()

	out := redactDetails(json.RawMessage(`{"ip":`), []byte("salt"))
	if !strings.Contains(string(out), "redaction_error") {
		t.Fatalf("expected invalid payload marker, got %s", string(out))
	}
	if got := redactDetails(nil, nil); got != nil {
		t.Fatalf("expected nil for empty details, got %s", string(got))
	}
}

func TestHashHelpers(t *testing.T) {
	t.Parallel()

	if hashString("x", []byte("a")) == hashString("x", []byte("b")) {
		t.Fatal("salt should change the hash")
	}
	if hashJSON("x", nil) != hashString("x", nil) {
		t.Fatal("string values hash as their raw bytes")
	}
	if hashJSON(func() {}, nil) != "" {
		t.Fatal("unmarshalable value should hash to empty")
	}
}

package message

import (
	"strings"
	"testing"
)

func mustParse(t *testing.T, raw string) *Msg {
	t.Helper()
	m, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestTextBodyFlat(t *testing.T) {
	m := mustParse(t, "From: a@example.org\r\n\r\nhello\r\n")
	if got := string(m.TextBody()); got != "hello\r\n" {
		t.Errorf("TextBody() = %q", got)
	}

	m = mustParse(t, "Content-Type: text/html\r\n\r\n<p>hello</p>\r\n")
	if m.TextBody() != nil {
		t.Errorf("TextBody() on text/html = %q, want nil", m.TextBody())
	}
}

func TestTextBodyMultipart(t *testing.T) {
	raw := "MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/alternative; boundary=\"sep\"\r\n" +
		"\r\n" +
		"preamble\r\n" +
		"--sep\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>hello</p>\r\n" +
		"--sep\r\n" +
		"Content-Type: text/plain; charset=\"utf-8\"\r\n" +
		"\r\n" +
		"hello\r\n" +
		"--sep--\r\n" +
		"epilogue\r\n"

	m := mustParse(t, raw)
	got := string(m.TextBody())
	if !strings.Contains(got, "hello") {
		t.Fatalf("TextBody() = %q", got)
	}
	for _, banned := range []string{"--sep", "<p>", "preamble", "epilogue", "Content-Type"} {
		if strings.Contains(got, banned) {
			t.Errorf("TextBody() leaks %q: %q", banned, got)
		}
	}
}

func TestTextBodyNestedMultipart(t *testing.T) {
	raw := "MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
		"\r\n" +
		"--outer\r\n" +
		"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
		"\r\n" +
		"--inner\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"nested hello\r\n" +
		"--inner--\r\n" +
		"--outer\r\n" +
		"Content-Type: application/pdf\r\n" +
		"\r\n" +
		"%PDF-\r\n" +
		"--outer--\r\n"

	m := mustParse(t, raw)
	if got := string(m.TextBody()); !strings.Contains(got, "nested hello") {
		t.Errorf("TextBody() = %q, want the nested text part", got)
	}
}

func TestTextBodyNoPlainPart(t *testing.T) {
	raw := "Content-Type: multipart/mixed; boundary=\"b\"\r\n" +
		"\r\n" +
		"--b\r\n" +
		"Content-Type: image/png\r\n" +
		"\r\n" +
		"PNG\r\n" +
		"--b--\r\n"

	m := mustParse(t, raw)
	if body := m.TextBody(); body != nil {
		t.Errorf("TextBody() = %q, want nil", body)
	}
}

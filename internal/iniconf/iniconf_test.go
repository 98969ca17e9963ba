package iniconf

import "strings"

import "testing"

const sample = `
[brim]
user = nobody
log_level = NOTICE

[wsgi]
ip = 0.0.0.0
port = 8901
workers = 2

[wsgi#alt]
port = 8902

[echo]
call = brimd.echo.Echo
`

func TestFallback(t *testing.T) {
	c, err := Read(strings.NewReader(sample), "sample")
	if err != nil {
		t.Fatal(err)
	}

	if got := c.GetString("wsgi", "ip", ""); got != "0.0.0.0" {
		t.Errorf("wsgi ip = %q", got)
	}
	// wsgi#alt falls back to wsgi for "ip" and to brim for "user".
	if got := c.GetString("wsgi#alt", "ip", ""); got != "0.0.0.0" {
		t.Errorf("wsgi#alt ip fallback = %q", got)
	}
	if got := c.GetString("wsgi#alt", "user", ""); got != "nobody" {
		t.Errorf("wsgi#alt user fallback to brim = %q", got)
	}
	// wsgi#alt's own port overrides the family's.
	if n, err := c.GetInt("wsgi#alt", "port", 0); err != nil || n != 8902 {
		t.Errorf("wsgi#alt port = %d, %v", n, err)
	}
	if n, err := c.GetInt("wsgi", "port", 0); err != nil || n != 8901 {
		t.Errorf("wsgi port = %d, %v", n, err)
	}
	if n, err := c.GetInt("wsgi", "workers", 1); err != nil || n != 2 {
		t.Errorf("wsgi workers = %d, %v", n, err)
	}
	if got := c.GetString("echo", "call", ""); got != "brimd.echo.Echo" {
		t.Errorf("echo call = %q", got)
	}
}

func TestBoolAndDefault(t *testing.T) {
	c, err := Read(strings.NewReader("[wsgi]\nlog_headers = yes\n"), "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.GetBool("wsgi", "log_headers", false)
	if err != nil || !b {
		t.Errorf("log_headers = %v, %v", b, err)
	}
	b, err = c.GetBool("wsgi", "missing", true)
	if err != nil || !b {
		t.Errorf("missing default = %v, %v", b, err)
	}
}

func TestList(t *testing.T) {
	c, err := Read(strings.NewReader("[wsgi]\napps = echo stats\n"), "")
	if err != nil {
		t.Fatal(err)
	}
	got := c.GetList("wsgi", "apps")
	if len(got) != 2 || got[0] != "echo" || got[1] != "stats" {
		t.Errorf("apps = %v", got)
	}
}

func TestSectionsWithFamily(t *testing.T) {
	c, err := Read(strings.NewReader(sample), "sample")
	if err != nil {
		t.Fatal(err)
	}
	names := c.SectionsWithFamily("wsgi")
	if len(names) != 2 {
		t.Errorf("expected 2 wsgi sections, got %v", names)
	}
}

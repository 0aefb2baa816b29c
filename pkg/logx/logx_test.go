package logx

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func TestZeroLoggerDiscards(t *testing.T) {
	t.Parallel()
	var l Logger
	l.With(String("k", "v")).Error("nothing")
	Nop().Info("nothing")
}

func TestWithFieldsAndLevels(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "info").With(String("comp", "dispatch"), Campaign("c1"))
	l.Debug("hidden")
	l.Info("sent", Int("n", 2), Err(errors.New("boom")), Err(nil))

	lines := decodeLines(t, buf.Bytes())
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	got := lines[0]
	if got["message"] != "sent" || got["comp"] != "dispatch" || got["campaign"] != "c1" || got["n"] != float64(2) || got["err"] != "boom" {
		t.Fatalf("event = %v", got)
	}
	if c, _ := got["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", got["caller"])
	}
}

func TestWithDoesNotAlias(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	base := NewWriter(&buf, "").With(String("a", "1"))
	x := base.With(String("b", "x"))
	y := base.With(String("b", "y"))
	x.Info("x")
	y.Info("y")
	lines := decodeLines(t, buf.Bytes())
	if lines[0]["b"] != "x" || lines[1]["b"] != "y" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestMaskAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"15550100200@s.whatsapp.net": "155******00@s.whatsapp.net",
		"1234567":                    "123**67",
		"123456@telegram":            "123456@telegram",
		"":                           "",
	}
	for in, want := range cases {
		if got := MaskAddr(in); got != want {
			t.Fatalf("MaskAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestServiceApplySwitchesSinks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	var console bytes.Buffer

	svc, l := newService(Config{Level: "info", Console: true}, &console)
	l = l.With(String("comp", "app"))
	l.Info("to console")
	if !strings.Contains(console.String(), "to console") {
		t.Fatalf("console = %q", console.String())
	}

	svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	console.Reset()
	l.Info("dropped")
	l.Warn("to file", Addr("to", "15550100200@s.whatsapp.net"))
	if console.Len() != 0 {
		t.Fatalf("console still written: %q", console.String())
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := decodeLines(t, b)
	if len(lines) != 1 || lines[0]["message"] != "to file" || lines[0]["comp"] != "app" || lines[0]["to"] != "155******00@s.whatsapp.net" {
		t.Fatalf("file lines = %v", lines)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{"DEBUG": "debug", " warning ": "warn", "bogus": "info", "": "info"} {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

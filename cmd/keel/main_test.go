package main

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func captureStdout(t *testing.T, fn func() error) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stdout = w
	defer func() { os.Stdout = old }()
	if err := fn(); err != nil {
		t.Fatalf("print: %v", err)
	}
	w.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestPrintEntityRendersTable(t *testing.T) {
	viper.Set("json", false)
	t.Cleanup(func() { viper.Set("json", false) })

	record := struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}{ID: "d-1", Status: "draft"}

	out := captureStdout(t, func() error { return printEntity(record) })
	if !strings.Contains(out, "FIELD") || !strings.Contains(out, "VALUE") {
		t.Fatalf("table header missing: %q", out)
	}
	if !strings.Contains(out, "d-1") || !strings.Contains(out, "draft") {
		t.Fatalf("field values missing: %q", out)
	}

	viper.Set("json", true)
	out = captureStdout(t, func() error { return printEntity(record) })
	if !strings.Contains(out, `"id": "d-1"`) {
		t.Fatalf("json output missing: %q", out)
	}
}

func TestPrintEntityFallsBackToJSONForLists(t *testing.T) {
	viper.Set("json", false)
	t.Cleanup(func() { viper.Set("json", false) })

	out := captureStdout(t, func() error { return printEntity([]string{"a", "b"}) })
	if !strings.Contains(out, `"a"`) || strings.Contains(out, "FIELD") {
		t.Fatalf("list fallback wrong: %q", out)
	}
}

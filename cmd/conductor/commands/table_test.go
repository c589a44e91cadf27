package commands

import (
	"bytes"
	"strings"
	"testing"
)

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	rows := [][]string{
		{"deploy", "1a2b3c4d", "succeeded"},
		{"rotate", "5e6f7a8b", "failed"},
	}
	if err := renderTable(&buf, []string{"WORKFLOW", "JOB", "STATUS"}, rows, 2); err != nil {
		t.Fatalf("renderTable() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{"WORKFLOW", "STATUS", "deploy", "5e6f7a8b", "failed", "╭", "╰"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if lines := strings.Count(strings.TrimRight(out, "\n"), "\n") + 1; lines != 6 {
		t.Errorf("got %d lines, want 6 (top, header, separator, 2 rows, bottom):\n%s", lines, out)
	}
}

func TestRenderTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := renderTable(&buf, []string{"ID", "NAME"}, nil, -1); err != nil {
		t.Fatalf("renderTable() error = %v", err)
	}
	if !strings.Contains(buf.String(), "NAME") {
		t.Errorf("headers not rendered:\n%s", buf.String())
	}
}

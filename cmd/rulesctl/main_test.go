package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const defaultPack = "../../seeds/default.yaml"

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	app := newApp()
	app.Writer = &buf
	app.ErrWriter = &buf
	err := app.Run(context.Background(), append([]string{"rulesctl"}, args...))
	return buf.String(), err
}

func TestValidateDefaultPack(t *testing.T) {
	output, err := runApp(t, "validate", "--file", defaultPack)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.HasPrefix(output, "ok: 2 schemas, 5 templates") {
		t.Fatalf("output = %q", output)
	}
}

func TestValidateRejectsBrokenPack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	pack := "rules:\n  - rule_code: r1\n    entry_point: nowhere\n    condition: {always: true}\n    actions: [{type: display, template_ref: x}]\n"
	if err := os.WriteFile(path, []byte(pack), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := runApp(t, "validate", "--file", path)
	if err == nil {
		t.Fatal("validate error = nil, want invalid pack")
	}
	if !strings.Contains(err.Error(), "unknown entry point") {
		t.Fatalf("validate error = %v, want unknown entry point", err)
	}
}

func TestExecuteDryRunsAgainstPack(t *testing.T) {
	output, err := runApp(t, "execute", "--file", defaultPack, "--entry-point", "checkout_terms", "--context", `{"cart":{"id":1,"items":[]}}`)
	if err != nil {
		t.Fatalf("execute error = %v", err)
	}

	var result struct {
		Success  bool   `json:"success"`
		EntryPoint string `json:"entry_point"`
		Required []struct {
			AckKey string `json:"ackKey"`
		} `json:"required_acknowledgments"`
	}
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Fatalf("decode output: %v\n%s", err, output)
	}
	if result.EntryPoint != "checkout_terms" {
		t.Fatalf("entry_point = %q, want checkout_terms", result.EntryPoint)
	}
	if len(result.Required) != 1 || result.Required[0].AckKey != "terms_conditions_v1" {
		t.Fatalf("required_acknowledgments = %+v", result.Required)
	}
}

func TestExecuteRejectsNonObjectContext(t *testing.T) {
	_, err := runApp(t, "execute", "--file", defaultPack, "--entry-point", "checkout_terms", "--context", `[1,2]`)
	if err == nil || !strings.Contains(err.Error(), "context must be a JSON object") {
		t.Fatalf("execute error = %v, want context must be a JSON object", err)
	}
}

func TestExecuteUnknownEntryPoint(t *testing.T) {
	_, err := runApp(t, "execute", "--file", defaultPack, "--entry-point", "nowhere")
	if err == nil {
		t.Fatal("execute error = nil, want unknown entry point")
	}
}

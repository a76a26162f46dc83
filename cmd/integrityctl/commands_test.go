package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gyaneshwarpardhi/linkreach/internal/integrity"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeJSON(t *testing.T, dir, name string, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestChecksum_KeyOrderInsensitive(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.json")
	b := filepath.Join(dir, "b.json")
	os.WriteFile(a, []byte(`{"x":1,"y":[1,2]}`), 0o644)
	os.WriteFile(b, []byte(`{"y":[1,2],"x":1}`), 0o644)

	outA, err := run(t, "checksum", a)
	if err != nil {
		t.Fatal(err)
	}
	outB, err := run(t, "checksum", b)
	if err != nil {
		t.Fatal(err)
	}
	var ra, rb map[string]string
	json.Unmarshal([]byte(outA), &ra)
	json.Unmarshal([]byte(outB), &rb)
	if ra["checksum"] == "" || ra["checksum"] != rb["checksum"] {
		t.Fatalf("checksums differ: %s vs %s", outA, outB)
	}
}

func TestSealAndVerify(t *testing.T) {
	dir := t.TempDir()
	src := writeJSON(t, dir, "rec.json", map[string]interface{}{"profileId": "p1", "status": "sent"})

	sealed, err := run(t, "seal", src)
	if err != nil {
		t.Fatal(err)
	}
	sealedPath := filepath.Join(dir, "sealed.json")
	os.WriteFile(sealedPath, []byte(sealed), 0o644)
	if _, err := run(t, "verify", sealedPath); err != nil {
		t.Fatalf("fresh record should verify: %v", err)
	}

	tampered := strings.Replace(sealed, `"sent"`, `"accepted"`, 1)
	os.WriteFile(sealedPath, []byte(tampered), 0o644)
	out, err := run(t, "verify", sealedPath)
	if !errors.Is(err, errCheckFailed) {
		t.Fatalf("err = %v", err)
	}
	var report integrity.CorruptionReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatal(err)
	}
	if len(report.Fields) != 1 || report.Fields[0] != "status" {
		t.Fatalf("report = %+v", report)
	}
}

func TestVerifyBackupAndRestore(t *testing.T) {
	dir := t.TempDir()
	v := integrity.New()
	full, err := v.CreateBackup(map[string]interface{}{"events": []interface{}{"a"}, "state": "idle"})
	if err != nil {
		t.Fatal(err)
	}
	inc, err := v.CreateIncrementalBackup(full, map[string]interface{}{"events": []interface{}{"b"}, "state": "running"})
	if err != nil {
		t.Fatal(err)
	}
	fullPath := writeJSON(t, dir, "full.json", full)
	incPath := writeJSON(t, dir, "inc.json", inc)

	if _, err := run(t, "verify-backup", fullPath); err != nil {
		t.Fatalf("verify-backup: %v", err)
	}

	out, err := run(t, "restore", incPath, "--base", fullPath)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	var res integrity.RestoreResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	events, _ := res.Data["events"].([]interface{})
	if !res.Success || len(events) != 2 || res.Data["state"] != "running" {
		t.Fatalf("restore = %+v", res)
	}

	if _, err := run(t, "restore", incPath); err == nil || !strings.Contains(err.Error(), "--base") {
		t.Fatalf("incremental restore without base: %v", err)
	}

	full.Data["state"] = "tampered"
	badPath := writeJSON(t, dir, "bad.json", full)
	if _, err := run(t, "verify-backup", badPath); !errors.Is(err, errCheckFailed) {
		t.Fatalf("tampered backup: %v", err)
	}
	out, err = run(t, "restore", badPath)
	if !errors.Is(err, errCheckFailed) {
		t.Fatalf("tampered restore: %v", err)
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil || res.Success || res.Data != nil {
		t.Fatalf("tampered restore result = %+v", res)
	}
}

func TestPrettyFlag(t *testing.T) {
	dir := t.TempDir()
	path := writeJSON(t, dir, "doc.json", map[string]int{"a": 1})
	out, err := run(t, "--pretty", "checksum", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "\n  \"") {
		t.Fatalf("output not indented: %q", out)
	}
}

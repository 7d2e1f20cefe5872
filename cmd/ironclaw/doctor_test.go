package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/basket/iron-claw/internal/doctor"
)

func TestPrintDiagnosis(t *testing.T) {
	d := doctor.Diagnosis{
		Timestamp: time.Now().UTC(),
		System: doctor.SystemInfo{
			OS: "linux", Arch: "amd64", Go: "go1.24", Version: "v0.3-test",
		},
		Results: []doctor.CheckResult{
			{Name: "Config", Status: "PASS", Message: "Loaded"},
			{Name: "Database", Status: "FAIL", Message: "Connection failed", Detail: "disk full"},
		},
	}

	var buf bytes.Buffer
	printDiagnosis(&buf, d)
	out := buf.String()

	if !strings.Contains(out, "v0.3-test") {
		t.Fatalf("output missing version: %q", out)
	}
	if !strings.Contains(out, "[PASS] Config") {
		t.Fatalf("output missing pass line: %q", out)
	}
	if !strings.Contains(out, "[FAIL] Database") {
		t.Fatalf("output missing fail line: %q", out)
	}
	if !strings.Contains(out, "disk full") {
		t.Fatalf("output missing detail: %q", out)
	}
}

package monitor

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestDecisionLoggerTSV(t *testing.T) {
	var buf bytes.Buffer
	logger := NewDecisionLogger(&buf, "tsv")
	logger.Log(
		QueryRequest{Server: ServerIdentity{Host: "203.0.113.5", Port: 7777}, GuildID: "g1", Kind: QueryInfo},
		QueryDecision{Allowed: false, Reason: "server cooldown", RetryAfter: time.Second, TrustScore: 0.75},
	)
	line := buf.String()
	for _, want := range []string{"203.0.113.5:7777", "g1", "info", "denied", "server cooldown", "0.750"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestDecisionLoggerLTSV(t *testing.T) {
	var buf bytes.Buffer
	logger := NewDecisionLogger(&buf, "ltsv")
	logger.Log(
		QueryRequest{Server: ServerIdentity{Host: "203.0.113.5", Port: 7777}, GuildID: "g1", Kind: QueryPing},
		QueryDecision{Allowed: true, TrustScore: 1},
	)
	line := buf.String()
	for _, want := range []string{"server:203.0.113.5:7777", "guild:g1", "kind:ping", "verdict:allowed"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestDecisionLoggerNilSafe(t *testing.T) {
	logger := NewDecisionLogger(nil, "tsv")
	if logger != nil {
		t.Fatal("nil writer should yield a nil logger")
	}
	logger.Log(QueryRequest{}, QueryDecision{})
}

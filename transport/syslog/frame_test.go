package syslog

import (
	"strings"
	"testing"
	"time"
)

func TestHeader_Format(t *testing.T) {
	h := Header{Priority: 85, Hostname: "host-1", AppName: "app", ProcID: "42", MsgID: "IHE+RFC-3881"}
	now := time.Date(2026, 3, 4, 5, 6, 7, 8_000_000, time.UTC)

	got := string(h.Format(now, "<AuditMessage/>"))

	want := "<85>1 2026-03-04T05:06:07.008Z host-1 app 42 IHE+RFC-3881 - " + byteOrderMark + "<AuditMessage/>"
	if got != want {
		t.Errorf("Format() = %q, want %q", got, want)
	}
}

func TestHeader_FormatNilAndTruncatedFields(t *testing.T) {
	h := Header{Priority: 85, Hostname: "", AppName: strings.Repeat("a", 60), ProcID: "has space", MsgID: "m"}

	got := string(h.Format(time.Unix(0, 0), "r"))

	fields := strings.SplitN(got, " ", 7)
	if fields[2] != nilValue {
		t.Errorf("hostname = %q, want nil value", fields[2])
	}
	if len(fields[3]) != 48 {
		t.Errorf("len(app name) = %d, want 48", len(fields[3]))
	}
	if fields[4] != "hasspace" {
		t.Errorf("proc id = %q, want non-printable characters removed", fields[4])
	}
}

func TestOctetCount(t *testing.T) {
	got := string(octetCount([]byte("hello")))
	if got != "5 hello" {
		t.Errorf("octetCount() = %q, want %q", got, "5 hello")
	}
}

func TestDefaultHeader(t *testing.T) {
	h := DefaultHeader()
	if h.Priority != defaultPriority || h.AppName != defaultAppName || h.MsgID != defaultMsgID {
		t.Errorf("DefaultHeader() = %+v", h)
	}
	if h.ProcID == "" || h.Hostname == "" {
		t.Errorf("DefaultHeader() missing process fields: %+v", h)
	}
}

func TestRetryPolicy_CalculateDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, BackoffRatio: 2}

	tests := map[int]time.Duration{
		0: 100 * time.Millisecond,
		1: 200 * time.Millisecond,
		2: 300 * time.Millisecond,
		5: 300 * time.Millisecond,
	}
	for attempt, want := range tests {
		if got := p.calculateDelay(attempt); got != want {
			t.Errorf("calculateDelay(%d) = %v, want %v", attempt, got, want)
		}
	}
	if NoRetry().calculateDelay(3) != 0 {
		t.Error("NoRetry delay != 0")
	}
}

// Package syslog sends audit records to a syslog collector, over UDP
// (RFC 5426) or over TCP/TLS with octet-counting framing (RFC 5425).
package syslog

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// facility authpriv (10), severity notice (5)
	defaultPriority = 10*8 + 5
	defaultAppName  = "IHE+RFC-3881"
	defaultMsgID    = "IHE+RFC-3881"
	nilValue        = "-"
	byteOrderMark   = "\ufeff"
)

// Header holds the RFC 5424 header fields written before each record.
type Header struct {
	Priority int
	Hostname string
	AppName  string
	ProcID   string
	MsgID    string
}

// DefaultHeader returns the header used for audit records, filled with the
// local hostname and process ID.
func DefaultHeader() Header {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = nilValue
	}
	return Header{
		Priority: defaultPriority,
		Hostname: hostname,
		AppName:  defaultAppName,
		ProcID:   strconv.Itoa(os.Getpid()),
		MsgID:    defaultMsgID,
	}
}

// Format renders record as an RFC 5424 message stamped with now.
func (h Header) Format(now time.Time, record string) []byte {
	var b strings.Builder
	b.Grow(len(record) + 128)

	b.WriteByte('<')
	b.WriteString(strconv.Itoa(h.Priority))
	b.WriteString(">1 ")
	b.WriteString(now.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	b.WriteByte(' ')
	b.WriteString(field(h.Hostname, 255))
	b.WriteByte(' ')
	b.WriteString(field(h.AppName, 48))
	b.WriteByte(' ')
	b.WriteString(field(h.ProcID, 128))
	b.WriteByte(' ')
	b.WriteString(field(h.MsgID, 32))
	b.WriteString(" - ")
	b.WriteString(byteOrderMark)
	b.WriteString(record)

	return []byte(b.String())
}

// field returns v truncated to limit printable characters, or the nil value.
func field(v string, limit int) string {
	v = strings.Map(func(r rune) rune {
		if r < 33 || r > 126 {
			return -1
		}
		return r
	}, v)
	if v == "" {
		return nilValue
	}
	if len(v) > limit {
		return v[:limit]
	}
	return v
}

// octetCount prefixes msg with its length as required by RFC 5425.
func octetCount(msg []byte) []byte {
	prefix := strconv.Itoa(len(msg)) + " "
	out := make([]byte, 0, len(prefix)+len(msg))
	out = append(out, prefix...)
	return append(out, msg...)
}

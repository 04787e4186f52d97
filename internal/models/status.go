package models

import (
	"strings"

	"github.com/gravitational/trace"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusOnline   Status = "online"
	StatusScanning Status = "scanning"
	StatusScanned  Status = "scanned"
	StatusError    Status = "error"
)

func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	switch s {
	case StatusIdle, StatusOnline, StatusScanning, StatusScanned, StatusError:
		return s, nil
	}
	return "", trace.BadParameter("unknown status %q", v)
}

// Severity orders statuses for worst-case aggregation: scanning > error > the rest.
func (s Status) Severity() int {
	switch s {
	case StatusScanning:
		return 3
	case StatusError:
		return 2
	case "":
		return 0
	default:
		return 1
	}
}

// Worst returns the higher-severity status of a and b, preferring a on ties.
func Worst(a, b Status) Status {
	if b.Severity() > a.Severity() {
		return b
	}
	return a
}

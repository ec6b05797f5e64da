package hv

import (
	"log/slog"
	"strings"
)

// GuestLogLevel is the verbosity the guest entrypoint is told to log at.
// Producing guest-side logs is expensive enough that the host decides
// the ceiling up front rather than letting the guest always log at its
// most verbose level.
type GuestLogLevel int

const (
	GuestLogLevelError GuestLogLevel = iota
	GuestLogLevelWarn
	GuestLogLevelInfo
	GuestLogLevelDebug
	GuestLogLevelTrace
)

func (l GuestLogLevel) String() string {
	switch l {
	case GuestLogLevelError:
		return "error"
	case GuestLogLevelWarn:
		return "warn"
	case GuestLogLevelInfo:
		return "info"
	case GuestLogLevelDebug:
		return "debug"
	case GuestLogLevelTrace:
		return "trace"
	default:
		return "error"
	}
}

func parseGuestLogLevel(s string) (GuestLogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return GuestLogLevelError, true
	case "warn", "warning":
		return GuestLogLevelWarn, true
	case "info":
		return GuestLogLevelInfo, true
	case "debug":
		return GuestLogLevelDebug, true
	case "trace":
		return GuestLogLevelTrace, true
	default:
		return GuestLogLevelError, false
	}
}

// MaxGuestLogLevel negotiates the log level passed to the guest
// entrypoint from the process's log filter spec (the value of an
// env-var like RUST_LOG's Go-side counterpart, e.g. GO_LOG). The filter
// spec is a comma-separated list of either bare levels or
// component=level pairs.
//
// Precedence, matching the host's own layered logging:
//  1. a "guest=<level>" pair, since guest-produced logs are the
//     expensive ones this exists to gate;
//  2. otherwise a "host=<level>" pair;
//  3. otherwise the first bare token containing no "=";
//  4. otherwise (nothing found, or the token doesn't parse as a known
//     level) GuestLogLevelError, logged at Debug so a malformed filter
//     spec is visible without being treated as fatal.
func MaxGuestLogLevel(filterSpec string) GuestLogLevel {
	return maxGuestLogLevel(filterSpec, slog.Default())
}

func maxGuestLogLevel(filterSpec string, log *slog.Logger) GuestLogLevel {
	fields := strings.Split(filterSpec, ",")

	var candidate string
	switch {
	case strings.Contains(filterSpec, "guest"):
		candidate = findComponent(fields, "guest")
	case strings.Contains(filterSpec, "host"):
		candidate = findComponent(fields, "host")
	default:
		candidate = findBareLevel(fields)
	}

	level, ok := parseGuestLogLevel(candidate)
	if !ok {
		log.Debug("could not determine guest log level from filter spec, defaulting to error",
			"filter_spec", filterSpec, "candidate", candidate)
		return GuestLogLevelError
	}
	return level
}

func findComponent(fields []string, name string) string {
	for _, f := range fields {
		if !strings.Contains(f, name) {
			continue
		}
		parts := strings.SplitN(f, "=", 2)
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	}
	return ""
}

func findBareLevel(fields []string) string {
	for _, f := range fields {
		if !strings.Contains(f, "=") {
			return f
		}
	}
	return ""
}

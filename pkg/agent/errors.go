package agent

import (
	"errors"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

// ErrNotSupported is returned by operations the CLI contract does not offer,
// such as injecting input into a running query.
var ErrNotSupported = errors.New("not supported by the agent CLI")

// ErrorKind classifies why a query failed. Kinds attach to the session's
// completion record; they are not Go error values.
type ErrorKind string

const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindCLINotFound ErrorKind = "CLI_NOT_FOUND"
	ErrorKindAuthNeeded  ErrorKind = "AUTH_NEEDED"
	ErrorKindResumeFail  ErrorKind = "RESUME_FAILED"
	ErrorKindTimeout     ErrorKind = "TIMEOUT"
	ErrorKindUnknown     ErrorKind = "UNKNOWN"
)

var authPattern = regexp.MustCompile(`(?i)authentication|login`)

// classifyFailure maps a failed query to an ErrorKind. The checks run in a
// fixed order: CLI_NOT_FOUND, AUTH_NEEDED, RESUME_FAILED, TIMEOUT, UNKNOWN.
func classifyFailure(err error, stderr string, timedOut bool) ErrorKind {
	if isNotFound(err) || strings.Contains(stderr, "not found") {
		return ErrorKindCLINotFound
	}
	if authPattern.MatchString(stderr) {
		return ErrorKindAuthNeeded
	}
	if strings.Contains(stderr, "session") && strings.Contains(stderr, "invalid") {
		return ErrorKindResumeFail
	}
	if timedOut {
		return ErrorKindTimeout
	}
	return ErrorKindUnknown
}

// ClassifyStartError maps a StartQuery failure, which happens before any
// Query exists, to an ErrorKind for the session record.
func ClassifyStartError(err error) ErrorKind {
	if err == nil {
		return ErrorKindNone
	}
	if isNotFound(err) {
		return ErrorKindCLINotFound
	}
	return ErrorKindUnknown
}

func isNotFound(err error) bool {
	return err != nil && (errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist))
}

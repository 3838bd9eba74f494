package engine

import (
	"errors"
	"fmt"
)

// ErrUsage marks argument-shape failures in the generate call itself, such as
// an unparsable expected-exit-status bound.
var ErrUsage = errors.New("usage error")

// ErrUnsupportedMode is returned when the parameters request an invocation
// mode this harness cannot post-process. The call is fatal, no artifact is
// produced, and any applied fakes remain applied.
var ErrUnsupportedMode = errors.New("unsupported generation mode")

// ErrArtifactNotRecognized is returned when the tool reported success but its
// output lacked the marker announcing the artifact's location. This is an
// internal consistency failure; the artifact reference is left empty.
var ErrArtifactNotRecognized = errors.New("artifact location not recognized in tool output")

// ToolExitError reports an external tool exit status outside the accepted
// bound.
type ToolExitError struct {
	ExitStatus int
	WantLow    int
	WantHigh   int
}

func (e *ToolExitError) Error() string {
	if e.WantLow == e.WantHigh {
		return fmt.Sprintf("tool exited with status %d, expected %d", e.ExitStatus, e.WantLow)
	}
	return fmt.Sprintf("tool exited with status %d, expected %d-%d", e.ExitStatus, e.WantLow, e.WantHigh)
}

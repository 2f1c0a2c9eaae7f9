// Package runner provides concrete execution runners: the local shell
// runner and the SSH runner. Both stream per-node output through an
// execution.EventSink and report per-node outcomes.
package runner

import (
	"encoding/json"

	"github.com/pabawi/pabawi/errors"
	"github.com/pabawi/pabawi/execution"
)

// CommandPayload is the request payload understood by the shell and SSH
// runners: a single command line to run on every target node.
type CommandPayload struct {
	Command string `json:"command"`
}

// decodeCommandPayload extracts and validates the command payload from a
// request. The queue treats payloads as opaque; decoding them is runner
// business.
func decodeCommandPayload(req *execution.Request) (*CommandPayload, error) {
	if len(req.Payload) == 0 {
		return nil, errors.NewInvalidRequestError("execution %s has no payload", req.ID)
	}
	var payload CommandPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "execution %s payload is not valid JSON: %v", req.ID, err)
	}
	if payload.Command == "" {
		return nil, errors.NewInvalidRequestError("execution %s payload has no command", req.ID)
	}
	return &payload, nil
}

// truncateOutput bounds the output stored per node so a chatty command
// cannot bloat the record. The full stream still reaches subscribers.
const maxStoredOutput = 16 * 1024

func truncateOutput(s string) string {
	if len(s) <= maxStoredOutput {
		return s
	}
	return s[:maxStoredOutput] + "\n... output truncated"
}

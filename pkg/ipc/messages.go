package ipc

import "github.com/cuemby/burrow/pkg/types"

// JobEnvelope is the body of a NewJobRequest frame
type JobEnvelope struct {
	Job types.JobRequestMessage `cbor:"1,keyasint"`
	// WorkDir is where steps run; DiagDir receives step log pages.
	WorkDir string `cbor:"2,keyasint"`
	DiagDir string `cbor:"3,keyasint"`
}

// StepLogBody tells the agent that a finished step's log page is ready for
// upload. The agent removes the page once uploaded.
type StepLogBody struct {
	JobID string `cbor:"1,keyasint"`
	Step  string `cbor:"2,keyasint"`
	Path  string `cbor:"3,keyasint"`
}

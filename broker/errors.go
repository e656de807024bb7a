package broker

import "fmt"

// Stage identifies where in the execution pipeline a run failed.
type Stage string

// Pipeline stages, in order.
const (
	StageValidate Stage = "validate"
	StagePrepare  Stage = "prepare"
	StageLimit    Stage = "limit"
	StageLaunch   Stage = "launch"
	StageCollect  Stage = "collect"
)

// BrokerError wraps a stage failure with the stage at which it occurred
// and the run it belonged to.
type BrokerError struct {
	Stage Stage
	RunID string
	Err   error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker: run %s: %s stage: %v", e.RunID, e.Stage, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

func stageError(stage Stage, runID string, err error) *BrokerError {
	return &BrokerError{Stage: stage, RunID: runID, Err: err}
}

package engine

import (
	"errors"
	"fmt"
)

// Stage sentinels. Match with errors.Is against errors returned by Init or
// reported through Observer.Error.
var (
	ErrInitialization = errors.New("engine initialization failed")
	ErrNotReady       = errors.New("engine not initialized")
	ErrFetch          = errors.New("fetch data points")
	ErrPreprocess     = errors.New("preprocess data points")
	ErrEvaluate       = errors.New("evaluate rules")
	ErrPredict        = errors.New("predict anomalies")
	ErrFinding        = errors.New("handle finding")
	ErrPersist        = errors.New("persist anomaly")
	ErrDispatch       = errors.New("dispatch alert")
	ErrSettle         = errors.New("settle fetched data points")
)

// StageError attaches the failing stage and, where known, the medicine the
// failure relates to. It unwraps to both the stage sentinel and the cause.
type StageError struct {
	Stage      error
	MedicineID string
	Err        error
}

func (e *StageError) Error() string {
	if e.MedicineID != "" {
		return fmt.Sprintf("%v (medicine %s): %v", e.Stage, e.MedicineID, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Stage, e.Err}
}

func stageErr(stage error, medicineID string, err error) error {
	return &StageError{Stage: stage, MedicineID: medicineID, Err: err}
}

package scenario

import "errors"

var (
	// ErrNotFound is returned when a scenario, snapshot or result does not
	// exist for the tenant.
	ErrNotFound = errors.New("not found")

	// ErrCalculationInProgress is returned when a calculation is requested
	// for a scenario that is already calculating. The request is rejected,
	// never queued.
	ErrCalculationInProgress = errors.New("calculation already in progress")

	// ErrEmptyDataset is returned when the scenario's dataset version has no
	// employee snapshots. The scenario is left untouched.
	ErrEmptyDataset = errors.New("dataset has no employee snapshots")

	// ErrRuleSetConflict is returned when the scenario's rule set was edited
	// while a calculation ran. The run's results are discarded so stored
	// results always reproduce from the version they are stamped with.
	ErrRuleSetConflict = errors.New("rule set changed during calculation")

	// ErrInvalidState is returned for a status transition the scenario
	// lifecycle does not allow.
	ErrInvalidState = errors.New("invalid scenario state")
)

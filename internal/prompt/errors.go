package prompt

import "errors"

// Domain-level error values returned by the prompt engine.
var (
	ErrTemplateNotFound        = errors.New("template not found")
	ErrExperimentNotFound      = errors.New("experiment not found")
	ErrExperimentNotRunning    = errors.New("experiment not running")
	ErrInvalidTrafficSplit     = errors.New("invalid traffic split")
	ErrInvalidTemplate         = errors.New("invalid template")
	ErrInvalidOutputFormat     = errors.New("invalid output format")
	ErrInvalidExperimentStatus = errors.New("invalid experiment status")
	ErrInvalidEngineConfig     = errors.New("invalid engine config")
)

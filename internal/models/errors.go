package models

import "errors"

// Definition validation errors
var (
	ErrDefinitionName     = errors.New("job definition requires a name")
	ErrDefinitionDiscover = errors.New("job definition requires a discover function")
	ErrDefinitionProcess  = errors.New("job definition requires a process or process-batch function")
)

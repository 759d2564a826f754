package rules

import "errors"

// ErrNoPersistence is returned by writes when no data store is configured.
var ErrNoPersistence = errors.New("rules: no persistent store configured")

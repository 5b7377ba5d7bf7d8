package manager

import "errors"

var errInvalidOrdering = errors.New("manager: ordering must be one of unordered, partition, key")

package config

import "errors"

// ErrInvalid marks a snapshot that fails structural validation. A reload
// carrying an invalid snapshot is rejected whole.
var ErrInvalid = errors.New("invalid config")

// ErrDuplicateName marks a snapshot containing two servers with the same name.
var ErrDuplicateName = errors.New("duplicate server name")

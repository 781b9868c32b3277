package risk

import "errors"

var (
	// ErrInvalidInput reports a malformed importance, severity or option score.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoSelection reports an answer with nothing selected.
	ErrNoSelection = errors.New("no option selected")
	// ErrUnknownOption reports an answer referencing an option the question does not have.
	ErrUnknownOption = errors.New("unknown option")
	// ErrOutOfRange reports a classification input outside [0,4].
	ErrOutOfRange = errors.New("value out of range")
	// ErrUnknownTaxonomy reports a taxonomy version that is not loaded.
	ErrUnknownTaxonomy = errors.New("unknown taxonomy version")
)

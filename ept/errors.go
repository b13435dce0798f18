package ept

import "errors"

// Error kinds, per spec.md §7.
var (
	ErrInvalidArgument     = errors.New("ept: invalid argument")
	ErrInvalidAddress      = errors.New("ept: address not aligned to page size")
	ErrNotFound            = errors.New("ept: no terminal mapping at requested granularity")
	ErrInsufficientMemory  = errors.New("ept: insufficient memory")
	ErrAmbiguousMemoryType = errors.New("ept: region spans conflicting memory types")
)

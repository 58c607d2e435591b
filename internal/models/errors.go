package models

import "errors"

var ErrNotFound = errors.New("requested resource not found")
var ErrInvalidQuery = errors.New("invalid trip query")
var ErrRideFull = errors.New("ride has no seats left")
var ErrAlreadyRequested = errors.New("a pending request for this ride already exists")

// ErrNoAvailability means the rider asked for schedule-based matches but has
// no availability slots on file. It is a precondition failure, reported
// before any candidate pool is touched.
var ErrNoAvailability = errors.New("no availability slots found for this rider; upload a schedule before requesting schedule matches")

// Package repository holds what the job store implementations share.
package repository

import "errors"

var ErrNotFound = errors.New("not found")

// StaleJobError is recorded on jobs recovered by stale-claim expiry.
const StaleJobError = "stale job: claim expired"

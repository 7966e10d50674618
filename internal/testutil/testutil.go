// Package testutil provides shared test helpers:
//   - Miniredis helpers for collective and queue unit tests (miniredis.go)
//   - Synthetic spectrum fixtures with known continua (spectra.go)
//
// No Docker is required; everything runs in-process.
package testutil

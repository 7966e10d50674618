// Package comm provides the collective operations the fitting engine
// coordinates through: all-reduce summation, broadcast and barriers at round
// boundaries, plus a collective abort so one failing rank never leaves its
// peers blocked on a collective that will not complete.
package comm

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
)

var (
	// ErrAborted is returned from any collective once a rank has signalled
	// a collective abort
	ErrAborted = errors.New("run aborted by peer")
	// ErrTimeout is returned when a collective does not complete within the
	// configured timeout
	ErrTimeout = errors.New("collective operation timed out")
	// ErrBadPayload is returned when a peer contribution cannot be decoded
	ErrBadPayload = errors.New("malformed collective payload")
)

// Communicator is one rank's view of the worker group. Collectives are named;
// every rank must call the same collectives with the same names in the same
// order. Implementations block only inside collective calls.
type Communicator interface {
	// Rank is this process's index in [0, Size).
	Rank() int
	// Size is the number of participating ranks.
	Size() int

	// AllReduceSum element-wise sums vec across all ranks and returns the
	// total to every rank. All ranks must pass equal-length vectors. The
	// summation order is fixed by rank index, so every rank receives a
	// bit-identical result.
	AllReduceSum(ctx context.Context, name string, vec []float64) ([]float64, error)

	// Broadcast distributes root's payload to every rank.
	Broadcast(ctx context.Context, name string, data []byte, root int) ([]byte, error)

	// Barrier blocks until every rank has arrived.
	Barrier(ctx context.Context, name string) error

	// Abort signals a collective failure; peers blocked in (or entering)
	// any collective return ErrAborted instead of waiting forever.
	Abort(ctx context.Context, reason string)

	// Close releases the communicator's resources.
	Close() error
}

func encodeFloats(vec []float64) []byte {
	buf := make([]byte, 8*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, ErrBadPayload
	}
	vec := make([]float64, len(buf)/8)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return vec, nil
}

package registration

import (
	"errors"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/cloudstore"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/compute"
)

// FailureKind classifies the fatal error of a failed event.
type FailureKind string

const (
	FailureLoad      FailureKind = "load"
	FailurePartition FailureKind = "partition"
	FailureOther     FailureKind = "other"
)

// Failure is the transport-safe form of a fatal search error. It travels
// with failed events so a remote caller can rebuild the typed error.
type Failure struct {
	Kind  FailureKind `json:"kind"`
	Role  string      `json:"role,omitempty"`
	Name  string      `json:"name,omitempty"`
	NP    int         `json:"np,omitempty"`
	Cause string      `json:"cause"`
	// Sentinel names a well-known error the cause wraps.
	Sentinel string `json:"sentinel,omitempty"`
}

const (
	sentinelNotFound         = "not_found"
	sentinelInvalidPartition = "invalid_partition"
)

// DescribeFailure captures err as a Failure.
func DescribeFailure(err error) *Failure {
	f := &Failure{Kind: FailureOther, Cause: err.Error()}
	var le *LoadError
	var pe *PartitionError
	switch {
	case errors.As(err, &le):
		f.Kind, f.Role, f.Name = FailureLoad, le.Role, le.Name
		f.Cause = errMessage(le.Err)
	case errors.As(err, &pe):
		f.Kind, f.Role, f.NP = FailurePartition, pe.Role, pe.NP
		f.Cause = errMessage(pe.Err)
	}
	switch {
	case errors.Is(err, cloudstore.ErrNotFound):
		f.Sentinel = sentinelNotFound
	case errors.Is(err, compute.ErrInvalidPartition):
		f.Sentinel = sentinelInvalidPartition
	}
	return f
}

// Err rebuilds the typed error. Messages match the original error and
// errors.Is still finds cloudstore.ErrNotFound and
// compute.ErrInvalidPartition.
func (f *Failure) Err() error {
	cause := &remoteCause{msg: f.Cause}
	switch f.Sentinel {
	case sentinelNotFound:
		cause.target = cloudstore.ErrNotFound
	case sentinelInvalidPartition:
		cause.target = compute.ErrInvalidPartition
	}
	switch f.Kind {
	case FailureLoad:
		return &LoadError{Role: f.Role, Name: f.Name, Err: cause}
	case FailurePartition:
		return &PartitionError{Role: f.Role, NP: f.NP, Err: cause}
	}
	return cause
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// remoteCause carries a rebuilt message and the sentinel it wrapped.
type remoteCause struct {
	msg    string
	target error
}

func (e *remoteCause) Error() string { return e.msg }

func (e *remoteCause) Unwrap() error { return e.target }

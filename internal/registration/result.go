package registration

import (
	"fmt"
	"time"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/compute"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
)

// PartitionStep is the record of one partition pair in one round.
type PartitionStep struct {
	NP      int                   `json:"np"`
	Step    int                   `json:"step"`
	SrcPart pointcloud.PointCloud `json:"srcPart"`
	TgtPart pointcloud.PointCloud `json:"tgtPart"`
	// Outcome is nil when registration of the pair failed.
	Outcome *compute.Outcome `json:"icpRes,omitempty"`
	// Failure explains a nil Outcome or a nil RMSE.
	Failure string `json:"failure,omitempty"`
	// RMSE is the fit of the transformed full source against the full target.
	RMSE *float64 `json:"rmseGlobal,omitempty"`
	// Aligned is the full source cloud moved by Outcome.Transform.
	Aligned *pointcloud.PointCloud `json:"srcAlgn,omitempty"`
	// ElapsedMS is the wall time of the step. It stays unset on the step
	// that ends the search unless Options.TimeConvergingStep is on.
	ElapsedMS *float64 `json:"time,omitempty"`
}

// Succeeded reports whether the pair registered.
func (s PartitionStep) Succeeded() bool { return s.Outcome != nil }

// BestRegistration is the lowest-RMSE step seen so far in a search.
type BestRegistration struct {
	RMSE      *float64              `json:"rmse,omitempty"`
	Converged bool                  `json:"converged"`
	NP        int                   `json:"np,omitempty"`
	Step      int                   `json:"step"`
	Transform *pointcloud.Transform `json:"transform,omitempty"`
}

// IsSet reports whether any step has produced an RMSE yet.
func (b BestRegistration) IsSet() bool { return b.RMSE != nil }

// clone returns a copy that shares no pointers with b.
func (b BestRegistration) clone() BestRegistration {
	out := b
	if b.RMSE != nil {
		v := *b.RMSE
		out.RMSE = &v
	}
	if b.Transform != nil {
		t := *b.Transform
		out.Transform = &t
	}
	return out
}

// offer records step as the new best when its RMSE is strictly lower.
// Ties keep the earlier step.
func (b *BestRegistration) offer(step PartitionStep, tol float64) bool {
	if step.RMSE == nil || step.Outcome == nil {
		return false
	}
	if b.RMSE != nil && !(*step.RMSE < *b.RMSE) {
		return false
	}
	v := *step.RMSE
	t := step.Outcome.Transform
	b.RMSE = &v
	b.NP = step.NP
	b.Step = step.Step
	b.Transform = &t
	b.Converged = v <= tol
	return true
}

func (b BestRegistration) String() string {
	if b.RMSE == nil {
		return "unset"
	}
	return fmt.Sprintf("rmse=%.6g np=%d step=%d converged=%v", *b.RMSE, b.NP, b.Step, b.Converged)
}

// RoundResult is everything produced for one partition count.
type RoundResult struct {
	NP    int             `json:"np"`
	Steps []PartitionStep `json:"steps"`
	// Best is the search-wide best after this round.
	Best BestRegistration `json:"best"`
}

// Originals carries the full clouds as loaded.
type Originals struct {
	Source pointcloud.PointCloud `json:"src"`
	Target pointcloud.PointCloud `json:"tgt"`
}

// EventKind tags an Event.
type EventKind string

const (
	EventOriginals EventKind = "originals"
	EventRound     EventKind = "round"
	EventDone      EventKind = "done"
	EventFailed    EventKind = "failed"
)

// Event is one item of a search's output stream. A search yields
// originals, zero or more rounds and then done; a fatal error yields
// failed instead of done. A cancelled search just stops.
type Event struct {
	Kind      EventKind         `json:"kind"`
	Originals *Originals        `json:"originals,omitempty"`
	Round     *RoundResult      `json:"round,omitempty"`
	Best      *BestRegistration `json:"best,omitempty"`
	Error     string            `json:"error,omitempty"`
	Failure   *Failure          `json:"failure,omitempty"`
	Err       error             `json:"-"`
}

// FailedEvent returns the failed event for err.
func FailedEvent(err error) Event {
	return Event{Kind: EventFailed, Err: err, Error: err.Error(), Failure: DescribeFailure(err)}
}

// LoadError reports that a cloud could not be loaded. It ends the search.
type LoadError struct {
	Role string // "source" or "target"
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s cloud %q: %v", e.Role, e.Name, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// PartitionError reports that a cloud could not be partitioned. It ends
// the search.
type PartitionError struct {
	Role string
	NP   int
	Err  error
}

func (e *PartitionError) Error() string {
	return fmt.Sprintf("partition %s cloud into %d: %v", e.Role, e.NP, e.Err)
}

func (e *PartitionError) Unwrap() error { return e.Err }

func durationMS(d time.Duration) *float64 {
	ms := float64(d.Nanoseconds()) / 1e6
	return &ms
}

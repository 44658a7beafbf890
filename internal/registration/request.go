// Package registration runs the partitioned ICP search: it sweeps partition
// counts, registers corresponding partitions of a source and a target cloud,
// scores each candidate transform against the whole clouds and streams the
// results round by round.
package registration

import (
	"errors"
	"fmt"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/compute"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
)

// MaxPartitions caps NPMax for requests accepted by Validate.
const MaxPartitions = 1000

// Request describes one search. JSON names match the browser client.
type Request struct {
	SrcName string `json:"srcName"`
	TgtName string `json:"tgtName"`
	// NPMax is the largest partition count tried. The sweep starts at 2.
	NPMax int `json:"np"`
	// RMSETol ends the search once the best global RMSE is at or below it.
	RMSETol    float64                 `json:"rmse"`
	Axis       pointcloud.Axis         `json:"axis"`
	ICPDelta   float64                 `json:"delta"`
	ICPMaxIter int                     `json:"k"`
	ICPMaxDist float64                 `json:"maxDist"`
	Closest    compute.ClosestStrategy `json:"closestType"`
}

// Validate checks a request coming from a caller. The orchestrator itself
// accepts NPMax < 2 and simply runs no rounds.
func (r Request) Validate() error {
	var errs []error
	if r.SrcName == "" {
		errs = append(errs, errors.New("srcName is required"))
	}
	if r.TgtName == "" {
		errs = append(errs, errors.New("tgtName is required"))
	}
	if r.NPMax < 2 || r.NPMax > MaxPartitions {
		errs = append(errs, fmt.Errorf("np must be between 2 and %d, got %d", MaxPartitions, r.NPMax))
	}
	if r.RMSETol < 0 {
		errs = append(errs, fmt.Errorf("rmse must be >= 0, got %g", r.RMSETol))
	}
	if !r.Axis.Valid() {
		errs = append(errs, fmt.Errorf("axis must be x, y or z, got %q", r.Axis))
	}
	if err := r.ICPParams().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ICPParams returns the per-partition ICP parameters of r.
func (r Request) ICPParams() compute.ICPParams {
	return compute.ICPParams{
		Delta:   r.ICPDelta,
		MaxIter: r.ICPMaxIter,
		MaxDist: r.ICPMaxDist,
		Closest: r.Closest,
	}
}

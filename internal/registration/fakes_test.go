package registration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/cloudstore"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/compute"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/timeutil"
)

// memStore resolves names from a map.
type memStore struct {
	mu     sync.Mutex
	clouds map[string]pointcloud.PointCloud
	loads  map[string]int
}

func newMemStore(clouds map[string]pointcloud.PointCloud) *memStore {
	return &memStore{clouds: clouds, loads: map[string]int{}}
}

func (m *memStore) LoadCloud(ctx context.Context, name string) (pointcloud.PointCloud, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads[name]++
	c, ok := m.clouds[name]
	if !ok {
		return pointcloud.PointCloud{}, &cloudstore.LoadError{Name: name, Err: cloudstore.ErrNotFound}
	}
	return c, nil
}

func (m *memStore) ListClouds(ctx context.Context) ([]string, error) {
	var names []string
	for n := range m.clouds {
		names = append(names, n)
	}
	return names, nil
}

// scriptedCompute fakes the geometry. Partition i of round np is a single
// point (np, i, 0); the transform found for it carries (np, i) in its
// translation, so the global RMSE call can look the score up in script.
type scriptedCompute struct {
	// script returns the global RMSE of (np, step), or ok=false when the
	// registration of that pair fails.
	script func(np, step int) (rmse float64, ok bool)
	// partitionErr fails partitioning of the given np.
	partitionErr map[int]error
	// onICP runs at the start of every registration.
	onICP func(ctx context.Context, np, step int) error

	mu        sync.Mutex
	icpCalls  [][2]int
	partCalls []int
}

func (s *scriptedCompute) PartitionCloud(ctx context.Context, c pointcloud.PointCloud, n int, axis pointcloud.Axis) ([]pointcloud.PointCloud, error) {
	s.mu.Lock()
	s.partCalls = append(s.partCalls, n)
	s.mu.Unlock()
	if err := s.partitionErr[n]; err != nil {
		return nil, err
	}
	parts := make([]pointcloud.PointCloud, n)
	for i := range parts {
		parts[i] = pointcloud.New([]pointcloud.Point{{X: float64(n), Y: float64(i)}})
	}
	return parts, nil
}

func (s *scriptedCompute) RegisterICP(ctx context.Context, src, tgt pointcloud.PointCloud, p compute.ICPParams) (compute.Outcome, error) {
	np, step := int(src.Points[0].X), int(src.Points[0].Y)
	s.mu.Lock()
	s.icpCalls = append(s.icpCalls, [2]int{np, step})
	s.mu.Unlock()
	if s.onICP != nil {
		if err := s.onICP(ctx, np, step); err != nil {
			return compute.Outcome{}, err
		}
	}
	if _, ok := s.script(np, step); !ok {
		return compute.Outcome{}, fmt.Errorf("%w: scripted failure", compute.ErrNoConvergence)
	}
	T := pointcloud.Identity()
	T[3], T[7] = float64(np), float64(step)
	return compute.Outcome{Transform: T, Iterations: 1, Aligned: src, Converged: true}, nil
}

func (s *scriptedCompute) TransformCloud(ctx context.Context, c pointcloud.PointCloud, T pointcloud.Transform) (pointcloud.PointCloud, error) {
	return pointcloud.New([]pointcloud.Point{{X: T[3], Y: T[7]}}), nil
}

func (s *scriptedCompute) ComputeRMSE(ctx context.Context, aligned, target pointcloud.PointCloud, maxDist float64, strategy compute.ClosestStrategy) (float64, error) {
	np, step := int(aligned.Points[0].X), int(aligned.Points[0].Y)
	v, _ := s.script(np, step)
	return v, nil
}

func (s *scriptedCompute) calls() [][2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][2]int, len(s.icpCalls))
	copy(out, s.icpCalls)
	return out
}

// fixedClock moves 1ms per reading, so every timed step takes exactly 1ms
// under the sequential strategy.
func fixedClock() *timeutil.MockClock {
	return timeutil.NewSteppingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Millisecond)
}

func testRequest(npMax int, tol float64) Request {
	return Request{
		SrcName:    "src.pcd",
		TgtName:    "tgt.pcd",
		NPMax:      npMax,
		RMSETol:    tol,
		Axis:       pointcloud.AxisX,
		ICPDelta:   1e-6,
		ICPMaxIter: 20,
		ICPMaxDist: 1,
		Closest:    compute.ClosestBruteForce,
	}
}

func twoClouds() *memStore {
	one := pointcloud.New([]pointcloud.Point{{X: 1}})
	return newMemStore(map[string]pointcloud.PointCloud{"src.pcd": one, "tgt.pcd": one})
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func drain(o *Orchestrator, ctx context.Context, req Request) []Event {
	var events []Event
	for ev := range o.Search(ctx, req) {
		events = append(events, ev)
	}
	return events
}

package registration

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/monitoring"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/timeutil"
)

// SearchStatus represents the lifecycle of a background search.
type SearchStatus string

const (
	SearchStatusRunning   SearchStatus = "running"
	SearchStatusComplete  SearchStatus = "complete"
	SearchStatusError     SearchStatus = "error"
	SearchStatusCancelled SearchStatus = "cancelled"
)

var (
	ErrSearchNotFound  = errors.New("search not found")
	ErrTooManySearches = errors.New("too many searches in progress")
)

// SearchState is a snapshot of one background search.
type SearchState struct {
	ID          string            `json:"id"`
	Status      SearchStatus      `json:"status"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Request     Request           `json:"request"`
	Rounds      []RoundSummary    `json:"rounds"`
	Best        *BestRegistration `json:"best,omitempty"`
	Ranking     *Ranking          `json:"ranking,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Searcher produces search event streams. *Orchestrator implements it.
type Searcher interface {
	Search(ctx context.Context, req Request) iter.Seq[Event]
}

// Persister records background searches. Implementations must be safe for
// concurrent use.
type Persister interface {
	SaveSearchStart(id string, req Request, startedAt time.Time) error
	SaveSearchRound(id string, round RoundSummary) error
	SaveSearchComplete(id string, status SearchStatus, best *BestRegistration, completedAt time.Time, errMsg string) error
}

// RunnerConfig bounds a Runner.
type RunnerConfig struct {
	// MaxConcurrent caps running searches. Zero means no cap.
	MaxConcurrent int
	// Timeout ends any search running longer than this. Zero means none.
	Timeout time.Duration
	// Retain is how many finished searches stay in memory. Zero keeps all.
	Retain int
	// Clock stamps start and completion times. Defaults to the wall clock.
	Clock timeutil.Clock
}

type runningSearch struct {
	state  SearchState
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner runs searches in the background and tracks their state.
type Runner struct {
	searcher  Searcher
	persister Persister
	cfg       RunnerConfig

	mu       sync.RWMutex
	searches map[string]*runningSearch
	order    []string
}

// NewRunner creates a runner. persister may be nil.
func NewRunner(searcher Searcher, persister Persister, cfg RunnerConfig) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Runner{
		searcher:  searcher,
		persister: persister,
		cfg:       cfg,
		searches:  make(map[string]*runningSearch),
	}
}

// Start validates req and runs it in the background. The search lives until
// it finishes, Stop is called, the timeout passes or ctx is cancelled.
func (r *Runner) Start(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("invalid request: %w", err)
	}

	r.mu.Lock()
	if r.cfg.MaxConcurrent > 0 && r.activeLocked() >= r.cfg.MaxConcurrent {
		r.mu.Unlock()
		return "", fmt.Errorf("%w (max %d)", ErrTooManySearches, r.cfg.MaxConcurrent)
	}

	id := uuid.New().String()
	searchCtx, cancel := context.WithCancel(ctx)
	if r.cfg.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		searchCtx, cancelTimeout = context.WithTimeout(searchCtx, r.cfg.Timeout)
		parent := cancel
		cancel = func() { cancelTimeout(); parent() }
	}
	s := &runningSearch{
		state: SearchState{
			ID:        id,
			Status:    SearchStatusRunning,
			StartedAt: r.cfg.Clock.Now(),
			Request:   req,
			Rounds:    []RoundSummary{},
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.searches[id] = s
	r.order = append(r.order, id)
	r.mu.Unlock()

	if r.persister != nil {
		if err := r.persister.SaveSearchStart(id, req, s.state.StartedAt); err != nil {
			monitoring.Logf("[runner] WARNING: failed to persist start of %s: %v", id, err)
		}
	}

	go r.run(searchCtx, s)
	return id, nil
}

func (r *Runner) run(ctx context.Context, s *runningSearch) {
	defer close(s.done)
	defer s.cancel()

	id := s.state.ID
	status := SearchStatusCancelled
	var errMsg string
	var best *BestRegistration

	for ev := range r.searcher.Search(ctx, s.state.Request) {
		switch ev.Kind {
		case EventRound:
			summary := Summarize(*ev.Round)
			b := ev.Round.Best.clone()
			r.mu.Lock()
			s.state.Rounds = append(s.state.Rounds, summary)
			s.state.Best = &b
			r.mu.Unlock()
			if r.persister != nil {
				if err := r.persister.SaveSearchRound(id, summary); err != nil {
					monitoring.Logf("[runner] WARNING: failed to persist round np=%d of %s: %v", summary.NP, id, err)
				}
			}
		case EventDone:
			status = SearchStatusComplete
			b := ev.Best.clone()
			best = &b
		case EventFailed:
			status = SearchStatusError
			errMsg = ev.Error
		}
	}
	if status == SearchStatusCancelled && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		status = SearchStatusError
		errMsg = fmt.Sprintf("search timed out after %v", r.cfg.Timeout)
	}

	now := r.cfg.Clock.Now()
	r.mu.Lock()
	s.state.Status = status
	s.state.CompletedAt = &now
	s.state.Error = errMsg
	if best != nil {
		s.state.Best = best
	}
	if status == SearchStatusComplete {
		ranking := Rank(s.state.Rounds)
		s.state.Ranking = &ranking
	}
	finalBest := s.state.Best
	r.evictLocked()
	r.mu.Unlock()

	monitoring.Logf("[runner] search %s finished: %s", id, status)
	if r.persister != nil {
		if err := r.persister.SaveSearchComplete(id, status, finalBest, now, errMsg); err != nil {
			monitoring.Logf("[runner] WARNING: failed to persist completion of %s: %v", id, err)
		}
	}
}

// Get returns a copy of the state of search id.
func (r *Runner) Get(id string) (SearchState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.searches[id]
	if !ok {
		return SearchState{}, false
	}
	return copyState(s.state), true
}

// List returns copies of every tracked search, newest first.
func (r *Runner) List() []SearchState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SearchState, 0, len(r.searches))
	for _, s := range r.searches {
		out = append(out, copyState(s.state))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Stop cancels search id. Stopping a finished search is a no-op.
func (r *Runner) Stop(id string) error {
	r.mu.RLock()
	s, ok := r.searches[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSearchNotFound
	}
	s.cancel()
	return nil
}

// StopAll cancels every running search.
func (r *Runner) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.searches {
		s.cancel()
	}
}

// Wait blocks until search id finishes or ctx ends.
func (r *Runner) Wait(ctx context.Context, id string) (SearchState, error) {
	r.mu.RLock()
	s, ok := r.searches[id]
	r.mu.RUnlock()
	if !ok {
		return SearchState{}, ErrSearchNotFound
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return SearchState{}, ctx.Err()
	}
	st, ok := r.Get(id)
	if !ok {
		// Evicted by Retain before we could read it.
		return SearchState{}, ErrSearchNotFound
	}
	return st, nil
}

// Active returns the number of running searches.
func (r *Runner) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeLocked()
}

func (r *Runner) activeLocked() int {
	n := 0
	for _, s := range r.searches {
		if s.state.Status == SearchStatusRunning {
			n++
		}
	}
	return n
}

// evictLocked drops the oldest finished searches beyond cfg.Retain.
func (r *Runner) evictLocked() {
	if r.cfg.Retain <= 0 {
		return
	}
	finished := 0
	for _, id := range r.order {
		if r.searches[id].state.Status != SearchStatusRunning {
			finished++
		}
	}
	kept := r.order[:0]
	for _, id := range r.order {
		s := r.searches[id]
		if finished > r.cfg.Retain && s.state.Status != SearchStatusRunning {
			delete(r.searches, id)
			finished--
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

func copyState(s SearchState) SearchState {
	out := s
	out.Rounds = make([]RoundSummary, len(s.Rounds))
	copy(out.Rounds, s.Rounds)
	if s.Best != nil {
		b := s.Best.clone()
		out.Best = &b
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

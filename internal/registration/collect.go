package registration

import "iter"

// Result is a fully drained search.
type Result struct {
	Originals *Originals
	Rounds    []RoundResult
	Best      *BestRegistration
	// Done is true only when the search yielded its done event.
	Done bool
	Err  error
}

// Collect drains seq into a Result.
func Collect(seq iter.Seq[Event]) Result {
	var res Result
	for ev := range seq {
		switch ev.Kind {
		case EventOriginals:
			res.Originals = ev.Originals
		case EventRound:
			res.Rounds = append(res.Rounds, *ev.Round)
		case EventDone:
			res.Done = true
			res.Best = ev.Best
		case EventFailed:
			res.Err = ev.Err
		}
	}
	return res
}

// Summaries returns the point-free form of every round in res.
func (res Result) Summaries() []RoundSummary {
	out := make([]RoundSummary, len(res.Rounds))
	for i, r := range res.Rounds {
		out[i] = Summarize(r)
	}
	return out
}

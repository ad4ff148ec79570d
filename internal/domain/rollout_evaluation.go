package domain

// GroupCounts aggregates the actions of one rollout group.
type GroupCounts struct {
	Total int
	// Finished counts successful completions, including DOWNLOADED for
	// download-only rollouts.
	Finished int
	Error    int
	// Closed counts every action that reached a terminal status.
	Closed int
}

// CountGroup aggregates status counts of a group's actions.
func CountGroup(byStatus map[ActionStatus]int, actionType ActionType) GroupCounts {
	var c GroupCounts
	for s, n := range byStatus {
		c.Total += n
		switch s {
		case ActionStatusFinished:
			c.Finished += n
			c.Closed += n
		case ActionStatusDownloaded:
			if actionType == ActionTypeDownloadOnly {
				c.Finished += n
				c.Closed += n
			}
		case ActionStatusError:
			c.Error += n
			c.Closed += n
		case ActionStatusCanceled:
			c.Closed += n
		}
	}
	return c
}

// GroupDecision is the outcome of evaluating a running group.
type GroupDecision int

const (
	GroupContinue GroupDecision = iota
	GroupFailed
	GroupSucceeded
)

func (d GroupDecision) String() string {
	switch d {
	case GroupFailed:
		return "failed"
	case GroupSucceeded:
		return "succeeded"
	}
	return "continue"
}

// EvaluateGroup applies a running group's conditions to its counts. The
// error condition is checked first. A group whose actions are all closed
// succeeds even below its success threshold, so the rollout never stalls
// on it.
func EvaluateGroup(g RolloutGroup, c GroupCounts) GroupDecision {
	if c.Total == 0 {
		if g.Dynamic {
			return GroupContinue
		}
		return GroupSucceeded
	}
	if t := g.Conditions.ErrorThreshold; t != nil && c.Error > 0 && percent(c.Error, c.Total) >= *t {
		return GroupFailed
	}
	if g.Dynamic && !g.IsFull() {
		return GroupContinue
	}
	if percent(c.Finished, c.Total) >= g.Conditions.SuccessThreshold || c.Closed == c.Total {
		return GroupSucceeded
	}
	return GroupContinue
}

func percent(n, total int) float64 {
	return float64(n) * 100 / float64(total)
}

// TargetCountStatus buckets targets of a rollout or group for summaries.
type TargetCountStatus string

const (
	TargetCountScheduled  TargetCountStatus = "SCHEDULED"
	TargetCountRunning    TargetCountStatus = "RUNNING"
	TargetCountNotStarted TargetCountStatus = "NOTSTARTED"
	TargetCountError      TargetCountStatus = "ERROR"
	TargetCountFinished   TargetCountStatus = "FINISHED"
	TargetCountCancelled  TargetCountStatus = "CANCELLED"
)

// TotalTargetCount is the "total target count by status" summary.
type TotalTargetCount struct {
	Total    int
	ByStatus map[TargetCountStatus]int
}

// NewTotalTargetCount buckets action status counts. Targets without an
// action yet are NOTSTARTED.
func NewTotalTargetCount(byStatus map[ActionStatus]int, total int, actionType ActionType) TotalTargetCount {
	out := TotalTargetCount{Total: total, ByStatus: map[TargetCountStatus]int{
		TargetCountScheduled:  0,
		TargetCountRunning:    0,
		TargetCountNotStarted: 0,
		TargetCountError:      0,
		TargetCountFinished:   0,
		TargetCountCancelled:  0,
	}}
	withAction := 0
	for s, n := range byStatus {
		withAction += n
		switch s {
		case ActionStatusScheduled:
			out.ByStatus[TargetCountScheduled] += n
		case ActionStatusError:
			out.ByStatus[TargetCountError] += n
		case ActionStatusFinished:
			out.ByStatus[TargetCountFinished] += n
		case ActionStatusCanceled:
			out.ByStatus[TargetCountCancelled] += n
		case ActionStatusDownloaded:
			if actionType == ActionTypeDownloadOnly {
				out.ByStatus[TargetCountFinished] += n
			} else {
				out.ByStatus[TargetCountRunning] += n
			}
		default:
			out.ByStatus[TargetCountRunning] += n
		}
	}
	if total > withAction {
		out.ByStatus[TargetCountNotStarted] = total - withAction
	}
	return out
}

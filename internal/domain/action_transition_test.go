package domain_test

import (
	"errors"
	"testing"

	"github.com/fleetshift/fleetshift-rollouts/internal/domain"
)

func runningAction(typ domain.ActionType) domain.Action {
	return domain.Action{ID: 1, TargetID: "t1", SetID: 7, Type: typ, Status: domain.ActionStatusRunning, Active: true}
}

func feedback(s domain.ActionStatus) domain.Feedback {
	return domain.Feedback{Status: s}
}

func TestApplyFeedback_IntermediateStatusesKeepActionRunning(t *testing.T) {
	for _, s := range []domain.ActionStatus{
		domain.ActionStatusRunning,
		domain.ActionStatusWarning,
		domain.ActionStatusDownload,
		domain.ActionStatusRetrieved,
		domain.ActionStatusDownloaded,
	} {
		t.Run(string(s), func(t *testing.T) {
			out, err := domain.ApplyFeedback(runningAction(domain.ActionTypeForced), feedback(s), false)
			if err != nil {
				t.Fatalf("ApplyFeedback: %v", err)
			}
			if out.Action.Status != domain.ActionStatusRunning || !out.Action.Active {
				t.Errorf("action = %s active=%v, want RUNNING active", out.Action.Status, out.Action.Active)
			}
			if !out.Record {
				t.Error("expected history entry to be recorded")
			}
			if out.Closes {
				t.Error("intermediate status must not close the action")
			}
		})
	}
}

func TestApplyFeedback_FirstFeedbackLeavesConfirmationWait(t *testing.T) {
	a := runningAction(domain.ActionTypeSoft)
	a.Status = domain.ActionStatusWaitForConfirmation

	out, err := domain.ApplyFeedback(a, feedback(domain.ActionStatusDownload), false)
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	if out.Action.Status != domain.ActionStatusRunning {
		t.Errorf("Status = %s, want RUNNING", out.Action.Status)
	}
	if !out.Changed {
		t.Error("expected action to be changed")
	}
}

func TestApplyFeedback_TerminalStatuses(t *testing.T) {
	tests := []struct {
		status domain.ActionStatus
		effect domain.TargetEffect
	}{
		{domain.ActionStatusFinished, domain.TargetEffectInstalled},
		{domain.ActionStatusError, domain.TargetEffectFailed},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			out, err := domain.ApplyFeedback(runningAction(domain.ActionTypeForced), feedback(tt.status), false)
			if err != nil {
				t.Fatalf("ApplyFeedback: %v", err)
			}
			if out.Action.Status != tt.status || out.Action.Active {
				t.Errorf("action = %s active=%v, want %s inactive", out.Action.Status, out.Action.Active, tt.status)
			}
			if out.Effect != tt.effect {
				t.Errorf("Effect = %v, want %v", out.Effect, tt.effect)
			}
		})
	}
}

func TestApplyFeedback_DownloadOnly(t *testing.T) {
	out, err := domain.ApplyFeedback(runningAction(domain.ActionTypeDownloadOnly), feedback(domain.ActionStatusDownloaded), true)
	if err != nil {
		t.Fatalf("ApplyFeedback: %v", err)
	}
	if out.Action.Status != domain.ActionStatusDownloaded || out.Action.Active {
		t.Fatalf("action = %s active=%v, want DOWNLOADED inactive", out.Action.Status, out.Action.Active)
	}
	if out.Effect != domain.TargetEffectDownloaded {
		t.Errorf("Effect = %v, want downloaded", out.Effect)
	}

	// The final status is accepted even though feedback after close is rejected.
	final, err := domain.ApplyFeedback(out.Action, feedback(domain.ActionStatusFinished), true)
	if err != nil {
		t.Fatalf("ApplyFeedback FINISHED: %v", err)
	}
	if !final.Record || final.Action.Status != domain.ActionStatusFinished || final.Action.Active {
		t.Fatalf("final = %+v, want recorded FINISHED inactive", final)
	}
	if final.Effect != domain.TargetEffectInstalled {
		t.Errorf("Effect = %v, want installed", final.Effect)
	}
}

func TestApplyFeedback_ClosedAction(t *testing.T) {
	closed := runningAction(domain.ActionTypeForced)
	closed.Status, closed.Active = domain.ActionStatusFinished, false

	dropped, err := domain.ApplyFeedback(closed, feedback(domain.ActionStatusRunning), true)
	if err != nil {
		t.Fatalf("ApplyFeedback rejecting: %v", err)
	}
	if dropped.Record {
		t.Error("feedback after close must be dropped when rejecting")
	}

	kept, err := domain.ApplyFeedback(closed, feedback(domain.ActionStatusError), false)
	if err != nil {
		t.Fatalf("ApplyFeedback storing: %v", err)
	}
	if !kept.Record {
		t.Error("feedback after close must be stored when not rejecting")
	}
	if kept.Action.Status != domain.ActionStatusFinished {
		t.Errorf("Status = %s, want FINISHED unchanged", kept.Action.Status)
	}
}

func TestApplyFeedback_ScheduledActionRejected(t *testing.T) {
	a := domain.Action{ID: 3, Status: domain.ActionStatusScheduled}
	_, err := domain.ApplyFeedback(a, feedback(domain.ActionStatusRunning), false)
	if !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("got %v, want ErrIllegalState", err)
	}
}

func TestApplyFeedback_UnreportableStatus(t *testing.T) {
	_, err := domain.ApplyFeedback(runningAction(domain.ActionTypeSoft), feedback(domain.ActionStatusCanceling), false)
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("got %v, want ErrInvalidArgument", err)
	}
}

func TestCancellationProtocol(t *testing.T) {
	canceling, err := domain.CancelAction(runningAction(domain.ActionTypeForced))
	if err != nil {
		t.Fatalf("CancelAction: %v", err)
	}
	if canceling.Status != domain.ActionStatusCanceling || !canceling.Active {
		t.Fatalf("after cancel: %s active=%v", canceling.Status, canceling.Active)
	}

	t.Run("CanceledCloses", func(t *testing.T) {
		out, err := domain.ApplyFeedback(canceling, feedback(domain.ActionStatusCanceled), false)
		if err != nil {
			t.Fatal(err)
		}
		if out.Action.Status != domain.ActionStatusCanceled || out.Action.Active {
			t.Errorf("got %s active=%v", out.Action.Status, out.Action.Active)
		}
		if out.Effect != domain.TargetEffectCanceled {
			t.Errorf("Effect = %v, want canceled", out.Effect)
		}
	})

	t.Run("FinishedOverridesCancel", func(t *testing.T) {
		out, err := domain.ApplyFeedback(canceling, feedback(domain.ActionStatusFinished), false)
		if err != nil {
			t.Fatal(err)
		}
		if out.Action.Status != domain.ActionStatusFinished || out.Action.Active {
			t.Errorf("got %s active=%v", out.Action.Status, out.Action.Active)
		}
		if out.Effect != domain.TargetEffectInstalled {
			t.Errorf("Effect = %v, want installed", out.Effect)
		}
	})

	for _, s := range []domain.ActionStatus{domain.ActionStatusCancelRejected, domain.ActionStatusError} {
		t.Run(string(s)+"Reverts", func(t *testing.T) {
			out, err := domain.ApplyFeedback(canceling, feedback(s), false)
			if err != nil {
				t.Fatal(err)
			}
			if out.Action.Status != domain.ActionStatusRunning || !out.Action.Active {
				t.Errorf("got %s active=%v, want RUNNING active", out.Action.Status, out.Action.Active)
			}
			if out.Action.SetID != canceling.SetID {
				t.Errorf("SetID changed to %d", out.Action.SetID)
			}
		})
	}

	t.Run("InformationalKeepsCanceling", func(t *testing.T) {
		out, err := domain.ApplyFeedback(canceling, feedback(domain.ActionStatusWarning), false)
		if err != nil {
			t.Fatal(err)
		}
		if out.Action.Status != domain.ActionStatusCanceling {
			t.Errorf("Status = %s, want CANCELING", out.Action.Status)
		}
	})

	t.Run("CancelTwice", func(t *testing.T) {
		_, err := domain.CancelAction(canceling)
		if !errors.Is(err, domain.ErrCancelNotAllowed) {
			t.Fatalf("got %v, want ErrCancelNotAllowed", err)
		}
	})
}

func TestApplyFeedback_CancelStatusOnRunningAction(t *testing.T) {
	_, err := domain.ApplyFeedback(runningAction(domain.ActionTypeSoft), feedback(domain.ActionStatusCanceled), false)
	if !errors.Is(err, domain.ErrIllegalState) {
		t.Fatalf("got %v, want ErrIllegalState", err)
	}
}

func TestForceQuit(t *testing.T) {
	_, err := domain.ForceQuitAction(runningAction(domain.ActionTypeSoft))
	if !errors.Is(err, domain.ErrForceQuitNotAllowed) {
		t.Fatalf("force quit of running action: got %v, want ErrForceQuitNotAllowed", err)
	}

	canceling, _ := domain.CancelAction(runningAction(domain.ActionTypeSoft))
	quit, err := domain.ForceQuitAction(canceling)
	if err != nil {
		t.Fatalf("ForceQuitAction: %v", err)
	}
	if quit.Status != domain.ActionStatusCanceled || quit.Active {
		t.Errorf("got %s active=%v, want CANCELED inactive", quit.Status, quit.Active)
	}
}

func TestCancelInactiveAction(t *testing.T) {
	a := runningAction(domain.ActionTypeSoft)
	a.Status, a.Active = domain.ActionStatusError, false
	_, err := domain.CancelAction(a)
	if !errors.Is(err, domain.ErrCancelNotAllowed) {
		t.Fatalf("got %v, want ErrCancelNotAllowed", err)
	}
}

func TestConfirmAction(t *testing.T) {
	waiting := runningAction(domain.ActionTypeSoft)
	waiting.Status = domain.ActionStatusWaitForConfirmation

	confirmed, err := domain.ConfirmAction(waiting)
	if err != nil {
		t.Fatalf("ConfirmAction: %v", err)
	}
	if confirmed.Status != domain.ActionStatusRunning {
		t.Fatalf("Status = %s, want RUNNING", confirmed.Status)
	}

	_, err = domain.ConfirmAction(confirmed)
	if !errors.Is(err, domain.ErrNotAwaitingConfirmation) {
		t.Fatalf("second confirm: got %v, want ErrNotAwaitingConfirmation", err)
	}

	closed := confirmed
	closed.Status, closed.Active = domain.ActionStatusFinished, false
	_, err = domain.ConfirmAction(closed)
	if !errors.Is(err, domain.ErrActionClosed) {
		t.Fatalf("confirm closed: got %v, want ErrActionClosed", err)
	}
	if err := domain.CheckDeniable(closed); !errors.Is(err, domain.ErrActionClosed) {
		t.Fatalf("deny closed: got %v, want ErrActionClosed", err)
	}
}

func TestStartAndSkipScheduledAction(t *testing.T) {
	scheduled := domain.Action{ID: 5, Status: domain.ActionStatusScheduled}

	started, err := domain.StartAction(scheduled, true)
	if err != nil {
		t.Fatalf("StartAction: %v", err)
	}
	if started.Status != domain.ActionStatusWaitForConfirmation || !started.Active {
		t.Errorf("got %s active=%v", started.Status, started.Active)
	}
	if _, err := domain.StartAction(started, false); !errors.Is(err, domain.ErrIllegalState) {
		t.Errorf("start twice: got %v, want ErrIllegalState", err)
	}

	skipped, err := domain.SkipAction(scheduled)
	if err != nil {
		t.Fatalf("SkipAction: %v", err)
	}
	if skipped.Status != domain.ActionStatusFinished || skipped.Active {
		t.Errorf("got %s active=%v, want FINISHED inactive", skipped.Status, skipped.Active)
	}
}

func TestActiveFlagMatchesTerminalStatus(t *testing.T) {
	// Walk every feedback path and check the active flag invariant.
	statuses := []domain.ActionStatus{
		domain.ActionStatusRunning, domain.ActionStatusWarning, domain.ActionStatusDownload,
		domain.ActionStatusDownloaded, domain.ActionStatusRetrieved, domain.ActionStatusFinished,
		domain.ActionStatusError, domain.ActionStatusCanceled, domain.ActionStatusCancelRejected,
	}
	for _, typ := range []domain.ActionType{domain.ActionTypeForced, domain.ActionTypeDownloadOnly} {
		starts := []domain.Action{runningAction(typ)}
		c, _ := domain.CancelAction(runningAction(typ))
		starts = append(starts, c)
		for _, a := range starts {
			for _, s := range statuses {
				out, err := domain.ApplyFeedback(a, feedback(s), false)
				if err != nil {
					continue
				}
				terminal := out.Action.Status == domain.ActionStatusFinished ||
					out.Action.Status == domain.ActionStatusError ||
					out.Action.Status == domain.ActionStatusCanceled ||
					(typ == domain.ActionTypeDownloadOnly && out.Action.Status == domain.ActionStatusDownloaded)
				if out.Action.Active == terminal {
					t.Errorf("%s %s + %s: status %s active=%v", typ, a.Status, s, out.Action.Status, out.Action.Active)
				}
			}
		}
	}
}

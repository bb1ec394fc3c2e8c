package budget_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"reelsmith/internal/budget"
	"reelsmith/internal/encoding"
	"reelsmith/internal/services"
	"reelsmith/internal/testsupport"
)

const mb = 1024 * 1024

func x264() encoding.ParameterSet {
	return encoding.ParameterSet{Codec: "libx264", Knob: "-crf", Quality: 32, Direction: 1, Limit: 51, MaxrateKbps: 2200, BufsizeKbps: 4400}
}

func TestEnforceUnderBudgetDoesNothing(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithBudgetMB(2))
	path := filepath.Join(t.TempDir(), "final.mp4")
	testsupport.WriteFile(t, path, mb)

	report, err := budget.New(cfg, nil).Enforce(context.Background(), path, x264(), func(context.Context, encoding.ParameterSet) error {
		t.Fatal("reencode must not run")
		return nil
	})
	if err != nil || report.Passes != 0 || report.FinalSize != mb {
		t.Fatalf("report=%+v err=%v", report, err)
	}
}

func TestEnforceConvergesWithinPasses(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithBudgetMB(1))
	path := filepath.Join(t.TempDir(), "final.mp4")
	testsupport.WriteFile(t, path, 3*mb)

	sizes := []int64{2 * mb, mb / 2}
	var seen []encoding.ParameterSet
	report, err := budget.New(cfg, nil).Enforce(context.Background(), path, x264(), func(_ context.Context, p encoding.ParameterSet) error {
		seen = append(seen, p)
		testsupport.WriteFile(t, path, sizes[len(seen)-1])
		return nil
	})
	if err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if report.Passes != 2 || report.FinalSize != mb/2 {
		t.Fatalf("report = %+v", report)
	}
	if seen[0].Quality != 36 || seen[1].Quality != 40 {
		t.Fatalf("quality did not step down: %d, %d", seen[0].Quality, seen[1].Quality)
	}
	if seen[1].MaxrateKbps >= seen[0].MaxrateKbps {
		t.Fatalf("maxrate did not shrink: %d then %d", seen[0].MaxrateKbps, seen[1].MaxrateKbps)
	}
}

func TestEnforceGivesUpAfterMaxPasses(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithBudgetMB(1))
	cfg.Budget.MaxPasses = 3
	path := filepath.Join(t.TempDir(), "final.mp4")
	testsupport.WriteFile(t, path, 4*mb)

	calls := 0
	_, err := budget.New(cfg, nil).Enforce(context.Background(), path, x264(), func(context.Context, encoding.ParameterSet) error {
		calls++
		testsupport.WriteFile(t, path, 3*mb)
		return nil
	})
	var exceeded *services.SizeBudgetExceeded
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected SizeBudgetExceeded, got %v", err)
	}
	if calls != 3 || exceeded.Passes != 3 || exceeded.Size != 3*mb || exceeded.Budget != mb {
		t.Fatalf("calls=%d exceeded=%+v", calls, exceeded)
	}
	if services.ExitCode(err) != services.ExitBudget {
		t.Fatalf("exit code = %d", services.ExitCode(err))
	}
}

func TestEnforceStopsWhenKnobExhausted(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithBudgetMB(1))
	path := filepath.Join(t.TempDir(), "final.mp4")
	testsupport.WriteFile(t, path, 2*mb)

	params := x264()
	params.Quality = params.Limit
	params.MaxrateKbps, params.BufsizeKbps = 0, 0
	calls := 0
	_, err := budget.New(cfg, nil).Enforce(context.Background(), path, params, func(context.Context, encoding.ParameterSet) error {
		calls++
		return nil
	})
	var exceeded *services.SizeBudgetExceeded
	if !errors.As(err, &exceeded) || calls != 0 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestEnforcePropagatesReencodeError(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithBudgetMB(1))
	path := filepath.Join(t.TempDir(), "final.mp4")
	testsupport.WriteFile(t, path, 2*mb)

	boom := &services.StageExecutionError{Stage: "finish", ExitCode: 1, Err: errors.New("boom")}
	_, err := budget.New(cfg, nil).Enforce(context.Background(), path, x264(), func(context.Context, encoding.ParameterSet) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected reencode error, got %v", err)
	}
}

// Package budget keeps final renders under the configured size ceiling by
// re-encoding with progressively harder compression.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"reelsmith/internal/config"
	"reelsmith/internal/encoding"
	"reelsmith/internal/logging"
	"reelsmith/internal/services"
)

// Reencoder renders the artifact again with params, replacing the file at the
// enforced path.
type Reencoder func(ctx context.Context, params encoding.ParameterSet) error

// Report describes an enforcement outcome.
type Report struct {
	Passes    int
	FinalSize int64
	Params    encoding.ParameterSet
}

// Enforcer applies the size budget.
type Enforcer struct {
	budget    int64
	maxPasses int
	step      int
	logger    *slog.Logger
}

// New returns an enforcer for cfg's [budget] section.
func New(cfg *config.Config, logger *slog.Logger) *Enforcer {
	return &Enforcer{
		budget:    cfg.BudgetBytes(),
		maxPasses: cfg.Budget.MaxPasses,
		step:      cfg.Budget.QualityStep,
		logger:    logging.NewComponentLogger(logger, "budget"),
	}
}

// Budget returns the byte ceiling.
func (e *Enforcer) Budget() int64 { return e.budget }

// Enforce checks path against the budget and, while it is over, steps the
// parameters down and calls reencode. It gives up with SizeBudgetExceeded
// after the configured passes or once the parameters stop changing.
func (e *Enforcer) Enforce(ctx context.Context, path string, params encoding.ParameterSet, reencode Reencoder) (Report, error) {
	size, err := fileSize(path)
	if err != nil {
		return Report{}, err
	}
	report := Report{FinalSize: size, Params: params}
	if e.budget <= 0 || size <= e.budget {
		return report, nil
	}

	current := params
	for pass := 1; pass <= e.maxPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		next := current.StepDown(e.step)
		if sameCompression(next, current) {
			e.logger.Info("compression knob exhausted", logging.Int("pass", pass), logging.String("codec", current.Codec))
			break
		}
		current = next
		e.logger.Info("output over budget, re-encoding",
			logging.Int("pass", pass),
			logging.Int64("size_bytes", size),
			logging.Int64("budget_bytes", e.budget),
			logging.Int("quality", current.Quality),
			logging.Int("maxrate_kbps", current.MaxrateKbps),
		)
		if err := reencode(ctx, current); err != nil {
			return report, err
		}
		if size, err = fileSize(path); err != nil {
			return report, err
		}
		report = Report{Passes: pass, FinalSize: size, Params: current}
		if size <= e.budget {
			return report, nil
		}
	}

	logging.WarnWithContext(e.logger, "output still over budget", "size_budget_exceeded",
		logging.String("path", path),
		logging.Int64("size_bytes", report.FinalSize),
		logging.Int64("budget_bytes", e.budget),
		logging.Int("passes", report.Passes),
		logging.String(logging.FieldErrorHint, "raise budget.max_size_mb or shorten the chapter"),
	)
	return report, &services.SizeBudgetExceeded{Path: path, Size: report.FinalSize, Budget: e.budget, Passes: report.Passes}
}

func sameCompression(a, b encoding.ParameterSet) bool {
	return a.Quality == b.Quality && a.MaxrateKbps == b.MaxrateKbps && a.BufsizeKbps == b.BufsizeKbps
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, services.Wrap(services.ErrNotFound, "budget", "stat", fmt.Sprintf("output %s", path), err)
	}
	return info.Size(), nil
}

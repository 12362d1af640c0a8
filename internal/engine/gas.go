package engine

import "github.com/alanyoungcy/flasharb/internal/domain"

// GasSchedule prices the work of one execution.
type GasSchedule struct {
	Base      uint64
	Loan      uint64
	PerLeg    uint64
	PerPayout uint64
}

// DefaultGasSchedule approximates a flash loan plus single-hop router swaps.
var DefaultGasSchedule = GasSchedule{
	Base:      21_000,
	Loan:      60_000,
	PerLeg:    110_000,
	PerPayout: 30_000,
}

// Success is the gas of a completed execution.
func (g GasSchedule) Success(legs, payouts int) uint64 {
	return g.Base + g.Loan + uint64(legs)*g.PerLeg + uint64(payouts)*g.PerPayout
}

// Failure is the gas burned up to the failing stage and step.
func (g GasSchedule) Failure(stage domain.Stage, step int) uint64 {
	switch stage {
	case domain.StageAdmission, domain.StageValidation, domain.StagePreCheck, "":
		return g.Base
	case domain.StageLoan, domain.StageCallback:
		return g.Base + g.Loan
	default:
		return g.Base + g.Loan + uint64(step)*g.PerLeg
	}
}

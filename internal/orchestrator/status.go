package orchestrator

import "fmt"

// Phase is the coarse state shown next to the trigger control.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInProgress
	PhaseVerified
	PhaseStepUp
	PhaseFailed
	PhasePuzzleSolved
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInProgress:
		return "in-progress"
	case PhaseVerified:
		return "verified"
	case PhaseStepUp:
		return "step-up"
	case PhaseFailed:
		return "failed"
	case PhasePuzzleSolved:
		return "puzzle-solved"
	}
	return "unknown"
}

// Status is one update for the user-visible indicator. Risk is set for
// PhaseVerified and PhaseStepUp, Err for PhaseFailed.
type Status struct {
	Phase Phase
	Risk  float64
	Err   error
}

// Good and Bad pick the indicator colour.
func (s Status) Good() bool { return s.Phase == PhaseVerified || s.Phase == PhasePuzzleSolved }
func (s Status) Bad() bool  { return s.Phase == PhaseStepUp || s.Phase == PhaseFailed }

func (s Status) String() string {
	switch s.Phase {
	case PhaseInProgress:
		return "verifying"
	case PhaseVerified:
		return fmt.Sprintf("verified captcha | risk: %.2f", s.Risk)
	case PhaseStepUp:
		return fmt.Sprintf("step up required | risk: %.2f", s.Risk)
	case PhaseFailed:
		return "verification failed. check debug."
	case PhasePuzzleSolved:
		return "puzzle solved. tap verify again."
	}
	return s.Phase.String()
}

// Control is the trigger the user presses to submit.
type Control interface {
	SetEnabled(enabled bool)
}

// Display shows status updates and hosts the step-up puzzle.
type Display interface {
	Status(s Status)
	ShowPuzzle()
	HidePuzzle()
}

type nopControl struct{}

func (nopControl) SetEnabled(bool) {}

type nopDisplay struct{}

func (nopDisplay) Status(Status) {}
func (nopDisplay) ShowPuzzle()   {}
func (nopDisplay) HidePuzzle()   {}

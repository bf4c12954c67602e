package training

import "fmt"

// Mode selects what a run does with a model: fit parameters, score a
// held-out dataset, or produce predictions. Exactly one mode is active per
// run.
type Mode int

const (
	ModeTrain Mode = iota
	ModeEvaluate
	ModePredict
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEvaluate:
		return "evaluate"
	case ModePredict:
		return "predict"
	default:
		return "Unknown"
	}
}

// ParseMode converts a mode name into a Mode value
func ParseMode(s string) (Mode, error) {
	switch s {
	case "train":
		return ModeTrain, nil
	case "evaluate", "eval":
		return ModeEvaluate, nil
	case "predict":
		return ModePredict, nil
	default:
		return 0, fmt.Errorf("unknown mode %q: must be train, evaluate, or predict", s)
	}
}

package orchestration

import "strings"

// Phase is the coordinator state of one rank.
type Phase uint8

const (
	Init Phase = iota
	Distributing
	Broadcasting
	Training
	Gathering
	Aggregating
	Evaluating
	Done
	Failed
)

func (p Phase) String() string {
	switch p {
	case Init:
		return "Init"
	case Distributing:
		return "Distributing"
	case Broadcasting:
		return "Broadcasting"
	case Training:
		return "Training"
	case Gathering:
		return "Gathering"
	case Aggregating:
		return "Aggregating"
	case Evaluating:
		return "Evaluating"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParsePhase is the inverse of String. Unknown names map to Failed.
func ParsePhase(s string) Phase {
	for p := Init; p <= Failed; p++ {
		if strings.EqualFold(p.String(), s) {
			return p
		}
	}

	return Failed
}

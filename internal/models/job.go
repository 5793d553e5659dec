package models

// State is the progress of one viewpoint-pair job.
type State string

const (
	Pending           State = "pending"
	Rectified         State = "rectified"
	DisparityComputed State = "disparity_computed"
	Merged            State = "merged"
	Reprojected       State = "reprojected"
	Failed            State = "failed"
)

// Stages lists the successful states in the order a job reaches them.
var Stages = []State{Pending, Rectified, DisparityComputed, Merged, Reprojected}

// Terminal reports whether no further transition is expected from s.
func (s State) Terminal() bool {
	return s == Reprojected || s == Failed
}

// CanTransition reports whether a job may move from one state to another.
// Any state may fail. A job may step to the next stage, or be rewound to the
// state just before a stage an operator wants to re-run. A failed job leaves
// Failed only through Resume.
func CanTransition(from, to State) bool {
	if to == Failed {
		return true
	}
	fi, ti := stageIndex(from), stageIndex(to)
	if fi < 0 || ti < 0 {
		return false
	}
	return ti <= fi+1
}

// Resume reports whether a failed job whose last completed state was
// progress may be put back into state to. Only a state the job actually
// reached qualifies, so a re-run never skips a stage it has not completed.
func Resume(progress, to State) bool {
	return progress.Reached(to)
}

func stageIndex(s State) int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Reached reports whether a job in state s has completed stage t.
func (s State) Reached(t State) bool {
	si, ti := stageIndex(s), stageIndex(t)
	return si >= 0 && ti >= 0 && si >= ti
}

// Before returns the state a job must be in for the stage producing s to
// run. ok is false for Pending and Failed.
func (s State) Before() (State, bool) {
	i := stageIndex(s)
	if i <= 0 {
		return "", false
	}
	return Stages[i-1], true
}

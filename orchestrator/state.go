package orchestrator

import "fmt"

// State of one transaction attempt.
type State int

const (
	Idle State = iota
	// Processing is held only while a step's network calls are in flight.
	Processing
	PinRequired
	OtpRequired
	RedirectPending
	Success
	Failed
)

var stateNames = map[State]string{
	Idle:            "idle",
	Processing:      "processing",
	PinRequired:     "pin_required",
	OtpRequired:     "otp_required",
	RedirectPending: "redirect_pending",
	Success:         "success",
	Failed:          "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further step can move the attempt, short of Reset.
func (s State) Terminal() bool {
	return s == Success || s == Failed
}

// AwaitingChallenge reports whether the attempt is parked on customer input.
func (s State) AwaitingChallenge() bool {
	return s == PinRequired || s == OtpRequired || s == RedirectPending
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st, name := range stateNames {
		if name == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

package syncer

// State is a step of one apply call.
//
//	Writing -> Verifying -> Done
//	                     -> AwaitingUserDecision -> Writing (retry)
//	                                             -> Done    (decline)
type State int

const (
	StateWriting State = iota
	StateVerifying
	StateAwaitingUserDecision
	StateDone
)

func (s State) String() string {
	switch s {
	case StateWriting:
		return "writing"
	case StateVerifying:
		return "verifying"
	case StateAwaitingUserDecision:
		return "awaiting_user_decision"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// WithStateObserver calls fn on every state transition.
func WithStateObserver(fn func(key string, st State)) Option {
	return func(s *Syncer) { s.observe = fn }
}

func (s *Syncer) enter(st State) {
	if s.observe != nil {
		s.observe(s.setting.Key, st)
	}
}

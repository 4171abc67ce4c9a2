package app

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickSession
)

// Policy decides what happens to a session whose send buffer is full.
type Policy interface {
	OnBackPressure(sess *Session) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*Session) BackpressureAction {
	return KickSession
}

package task

// stepToken serializes procedure steps. All objects of a Group share one token; an object
// created without a group has its own.
//
// A resumed step holds the token from the moment its awaited value settles until it
// awaits again or the procedure exits. A first step runs inside drive while its caller is
// blocked: drive takes the token when it is free, and otherwise runs the step under the
// token the caller already holds (a step performing, cancelling, or admitting queued work).
type stepToken chan struct{}

func newStepToken() stepToken { return make(stepToken, 1) }

func (t stepToken) acquire() { t <- struct{}{} }

func (t stepToken) tryAcquire() bool {
	select {
	case t <- struct{}{}:
		return true
	default:
		return false
	}
}

func (t stepToken) release() { <-t }

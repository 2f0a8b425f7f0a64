package operation

const (
	unknown uint16 = iota
	hello
	goAway
	subscriptions
	message
)

var (
	_hello         = Operation{hello}
	_goAway        = Operation{goAway}
	_subscriptions = Operation{subscriptions}
	_message       = Operation{message}
	_unknown       = Operation{unknown}
)

// Operation is enumeration of Frame.opCode
type Operation struct {
	code uint16
}

// NewOperation new an operation with code
func NewOperation(code uint16) Operation {
	switch code {
	case hello:
		return _hello
	case goAway:
		return _goAway
	case subscriptions:
		return _subscriptions
	case message:
		return _message
	default:
		return _unknown
	}
}

// String implements fmt.Stringer
func (o Operation) String() string {
	switch o.code {
	case hello:
		return "Hello"
	case goAway:
		return "GoAway"
	case subscriptions:
		return "Subscriptions"
	case message:
		return "Message"
	default:
		return "Unknown"
	}
}

// Code returns the operation code
func (o Operation) Code() uint16 {
	return o.code
}

// IsControl returns whether o is a control operation, which is handled by the session itself
func (o Operation) IsControl() bool {
	switch o.code {
	case hello, goAway, subscriptions:
		return true
	default:
		return false
	}
}

// Hello frame is the first frame on a session, it carries the identity of the sender
func Hello() Operation {
	return _hello
}

// GoAway frame is used to initiate a graceful close of a session
func GoAway() Operation {
	return _goAway
}

// Subscriptions frame announces the topics the sender is interested in
func Subscriptions() Operation {
	return _subscriptions
}

// Message frame carries a request or a response envelope
func Message() Operation {
	return _message
}

// Unknown is the operation of frames with an unrecognized code
func Unknown() Operation {
	return _unknown
}

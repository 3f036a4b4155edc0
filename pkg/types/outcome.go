package types

import "time"

// OutcomeKind classifies how a single job attempt ended.
type OutcomeKind int

const (
	OutcomeDelivered OutcomeKind = iota // 成功，副作用已完成
	OutcomeRetryable                    // 暫時性失敗，可以重試
	OutcomePermanent                    // 永久失敗，重試無意義
	OutcomeMalformed                    // payload 無法解析，直接進死信
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	case OutcomeMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Outcome is what a handler reports back to the dispatcher.
type Outcome struct {
	Kind   OutcomeKind
	Status int   // remote HTTP status when one was received
	Err    error // cause for non-delivered outcomes
}

func Delivered() Outcome { return Outcome{Kind: OutcomeDelivered} }

func Retryable(err error) Outcome { return Outcome{Kind: OutcomeRetryable, Err: err} }

func Permanent(err error) Outcome { return Outcome{Kind: OutcomePermanent, Err: err} }

func Malformed(err error) Outcome { return Outcome{Kind: OutcomeMalformed, Err: err} }

// WithStatus returns o annotated with the remote status code.
func (o Outcome) WithStatus(status int) Outcome {
	o.Status = status
	return o
}

// Error returns the cause as a string, or "" when there is none.
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Action is what the broker should do with a finished delivery.
type Action int

const (
	ActionAck Action = iota
	ActionRequeue
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionAck:
		return "ack"
	case ActionRequeue:
		return "requeue"
	case ActionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Decision is the retry scheduler's verdict for one outcome.
type Decision struct {
	Action Action
	Delay  time.Duration // only meaningful for ActionRequeue
}

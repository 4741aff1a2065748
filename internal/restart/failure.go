package restart

// Outcome is the decision taken after a failed launch.
type Outcome int

const (
	Abort Outcome = iota
	Retry
)

func (o Outcome) String() string {
	if o == Retry {
		return "retry"
	}
	return "abort"
}

// FailureHandler decides whether a failed launch is retried. Handle may block,
// for example until the next file change.
type FailureHandler interface {
	Handle(err error) Outcome
}

type FailureHandlerFunc func(err error) Outcome

func (f FailureHandlerFunc) Handle(err error) Outcome { return f(err) }

// NoFailureHandler gives up after the first failure.
var NoFailureHandler FailureHandler = FailureHandlerFunc(func(error) Outcome { return Abort })

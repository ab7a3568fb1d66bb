package synthesis

// Outcome is how a job left the pipeline.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeDropped   Outcome = "dropped"
)

// Observer is told about job lifecycle transitions. Implementations must not block.
type Observer interface {
	JobQueued(job Job)
	JobStarted(job Job)
	JobFinished(job Job, outcome Outcome, err error)
}

type nopObserver struct{}

func (nopObserver) JobQueued(Job)                   {}
func (nopObserver) JobStarted(Job)                  {}
func (nopObserver) JobFinished(Job, Outcome, error) {}

// Observers fans lifecycle events out to several observers in order.
type Observers []Observer

func (o Observers) JobQueued(job Job) {
	for _, obs := range o {
		obs.JobQueued(job)
	}
}

func (o Observers) JobStarted(job Job) {
	for _, obs := range o {
		obs.JobStarted(job)
	}
}

func (o Observers) JobFinished(job Job, outcome Outcome, err error) {
	for _, obs := range o {
		obs.JobFinished(job, outcome, err)
	}
}

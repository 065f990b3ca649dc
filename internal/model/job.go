package model

import "time"

// Job is a persisted definition of a recurring outbound HTTP call.
type Job struct {
	ID      string            `json:"id"`
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    *Body             `json:"body,omitempty"`

	Interval   time.Duration `json:"interval"`
	MaxRetries int           `json:"max_retries"`
	RetryDelay time.Duration `json:"retry_delay"`

	CreatedAt time.Time  `json:"created_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	Active    bool       `json:"active"`
}

// Body is the request payload of a job. When JSON is set the payload is
// serialized as JSON, otherwise it is sent as raw text.
type Body struct {
	Payload any  `json:"payload"`
	JSON    bool `json:"json"`
}

// NextRun returns the authoritative wake time: NextRunAt when set, otherwise
// one interval after creation.
func (j *Job) NextRun() time.Time {
	if j.NextRunAt != nil {
		return *j.NextRunAt
	}
	return j.CreatedAt.Add(j.Interval)
}

// Clone returns a deep copy so callers can hand snapshots across goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Headers != nil {
		c.Headers = make(map[string]string, len(j.Headers))
		for k, v := range j.Headers {
			c.Headers[k] = v
		}
	}
	if j.Body != nil {
		b := *j.Body
		c.Body = &b
	}
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		c.LastRunAt = &t
	}
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		c.NextRunAt = &t
	}
	return &c
}

// JobSpec is the input for creating a job.
type JobSpec struct {
	URL        string
	Method     string
	Headers    map[string]string
	Body       *Body
	Interval   time.Duration
	MaxRetries int
	RetryDelay time.Duration

	// nil means active
	Active *bool
}

// JobPatch is a partial update of a job's definition. Nil fields are left
// unchanged.
type JobPatch struct {
	URL        *string
	Method     *string
	Headers    *map[string]string
	Body       *Body
	ClearBody  bool
	Interval   *time.Duration
	MaxRetries *int
	RetryDelay *time.Duration
}

// Apply writes the set fields of p onto j.
func (p JobPatch) Apply(j *Job) {
	if p.URL != nil {
		j.URL = *p.URL
	}
	if p.Method != nil {
		j.Method = NormalizeMethod(*p.Method)
	}
	if p.Headers != nil {
		j.Headers = *p.Headers
	}
	if p.ClearBody {
		j.Body = nil
	}
	if p.Body != nil {
		b := *p.Body
		j.Body = &b
	}
	if p.Interval != nil {
		j.Interval = *p.Interval
	}
	if p.MaxRetries != nil {
		j.MaxRetries = *p.MaxRetries
	}
	if p.RetryDelay != nil {
		j.RetryDelay = *p.RetryDelay
	}
}

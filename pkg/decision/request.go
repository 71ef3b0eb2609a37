package decision

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/ons/pkg"
)

// UpdateCallback receives the terminal result of an update request
type UpdateCallback func(pkg.UpdateResult)

// SetDataCallback receives the result of a preferred data change
type SetDataCallback func(pkg.SetDataResult)

// Executor runs caller callbacks
type Executor interface {
	Execute(fn func())
}

// GoExecutor runs each callback on its own goroutine
type GoExecutor struct{}

func (GoExecutor) Execute(fn func()) { go fn() }

// InlineExecutor runs callbacks synchronously on the delivering goroutine
type InlineExecutor struct{}

func (InlineExecutor) Execute(fn func()) { fn() }

// Completion delivers exactly one result to a callback. Deliveries after the
// first are ignored, so a stored request can be replayed without risking a
// second callback.
type Completion struct {
	cb   UpdateCallback
	exec Executor

	mu     sync.Mutex
	done   bool
	result pkg.UpdateResult
	at     time.Time
}

// NewCompletion wraps cb. A nil executor means GoExecutor; a nil cb still
// records the result.
func NewCompletion(cb UpdateCallback, exec Executor) *Completion {
	if exec == nil {
		exec = GoExecutor{}
	}
	return &Completion{cb: cb, exec: exec}
}

// Deliver records r and schedules the callback. It returns false if a result
// was already delivered. Safe on a nil receiver.
func (c *Completion) Deliver(r pkg.UpdateResult) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return false
	}
	c.done = true
	c.result = r
	c.at = time.Now()
	cb := c.cb
	c.mu.Unlock()

	if cb != nil {
		c.exec.Execute(func() { cb(r) })
	}
	return true
}

// Result returns the delivered result, if any
func (c *Completion) Result() (pkg.UpdateResult, bool) {
	if c == nil {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.done
}

// Done reports whether a result was delivered
func (c *Completion) Done() bool {
	_, done := c.Result()
	return done
}

// Request is one accepted update-available-networks submission
type Request struct {
	ID           string
	Class        pkg.CallerClass
	Caller       pkg.Caller
	Networks     []pkg.AvailableNetworkInfo
	PrimarySubID int
	SubmittedAt  time.Time
	Completion   *Completion
}

// NewRequest copies nets, orders them by priority and assigns a request id
func NewRequest(class pkg.CallerClass, caller pkg.Caller, nets []pkg.AvailableNetworkInfo, completion *Completion) *Request {
	cp := pkg.CloneNetworks(nets)
	pkg.SortByPriority(cp)
	return &Request{
		ID:           uuid.NewString(),
		Class:        class,
		Caller:       caller,
		Networks:     cp,
		PrimarySubID: pkg.InvalidSubscriptionID,
		SubmittedAt:  time.Now(),
		Completion:   completion,
	}
}

// RequestView is the JSON friendly view of a stored request
type RequestView struct {
	ID           string                     `json:"id"`
	Class        string                     `json:"class"`
	Caller       string                     `json:"caller"`
	Networks     []pkg.AvailableNetworkInfo `json:"networks"`
	PrimarySubID int                        `json:"primary_sub_id"`
	SubmittedAt  time.Time                  `json:"submitted_at"`
	Done         bool                       `json:"done"`
	Result       string                     `json:"result,omitempty"`
}

func (r *Request) view() *RequestView {
	if r == nil {
		return nil
	}
	v := &RequestView{
		ID:           r.ID,
		Class:        r.Class.String(),
		Caller:       r.Caller.Package,
		Networks:     pkg.CloneNetworks(r.Networks),
		PrimarySubID: r.PrimarySubID,
		SubmittedAt:  r.SubmittedAt,
	}
	if res, done := r.Completion.Result(); done {
		v.Done = true
		v.Result = res.String()
	}
	return v
}

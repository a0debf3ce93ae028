package hooking

// Hook positions of the FTL components.
var (
	// HookPosTaskStart is invoked when a task is submitted.
	HookPosTaskStart = &HookPos{Name: "TaskStart"}

	// HookPosTaskStep is invoked when a task changes state.
	HookPosTaskStep = &HookPos{Name: "TaskStep"}

	// HookPosTaskTag is invoked when something happens to a task that is not
	// a state change, such as a pass it blocked.
	HookPosTaskTag = &HookPos{Name: "TaskTag"}

	// HookPosTaskEnd is invoked when a task finishes.
	HookPosTaskEnd = &HookPos{Name: "TaskEnd"}

	HookPosFlashCmd   = &HookPos{Name: "FlashCmd"}
	HookPosCacheEvict = &HookPos{Name: "CacheEvict"}
)

// TaskStart describes a task that enters the engine.
type TaskStart struct {
	ID       string
	ParentID string
	Kind     string
	What     string
	Where    string
}

// TaskTag attaches an event to a running task.
type TaskTag struct {
	TaskID string
	What   string
	Detail string
}

// TaskStep reports a state change. What is the new state and Detail the
// state the task left.
type TaskStep struct {
	TaskID string
	Kind   string
	What   string
	Detail string
}

// TaskEnd reports a finished task.
type TaskEnd struct {
	ID string
}

// FlashCmd describes a command issued to a flash bank.
type FlashCmd struct {
	Kind   string
	Bank   int
	VPN    uint32
	Offset int
	Count  int
}

// CacheEvict describes one entry dropped by a cache.
type CacheEvict struct {
	Key   uint32
	Bank  int
	Dirty bool
}

// task is what tracers remember about a running task.
type task struct {
	ID        string
	ParentID  string
	Kind      string
	What      string
	Where     string
	State     string
	StartTime float64
}

// TaskFilter selects the tasks a tracer follows.
type TaskFilter func(t TaskStart) bool

// A TimeTeller can tell the current time. The simulated flash device tells
// time in polling intervals.
type TimeTeller interface {
	Now() float64
}

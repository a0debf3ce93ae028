// Package hooking lets observers attach to the FTL components. Components
// invoke hooks at fixed positions and tracers turn the calls into task
// timelines, counters and database records.
package hooking

// HookPos defines the enum of possible hooking positions.
type HookPos struct {
	Name string
}

// A Named object has a name that identifies it in traces.
type Named interface {
	Name() string
}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   any
	Detail any
}

// Hookable defines an object that accept Hooks.
type Hookable interface {
	Named

	// AcceptHook registers a hook.
	AcceptHook(hook Hook)

	// NumHooks returns the number of hooks registered.
	NumHooks() int

	// Hooks returns all the hooks registered.
	Hooks() []Hook
}

// Hook is a short piece of program that can be invoked by a hookable object.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// FuncHook adapts a plain function to the Hook interface.
type FuncHook struct {
	f func(ctx HookCtx)
}

// NewFuncHook wraps f into a hook.
func NewFuncHook(f func(ctx HookCtx)) *FuncHook {
	return &FuncHook{f: f}
}

// Func calls the wrapped function.
func (h *FuncHook) Func(ctx HookCtx) {
	h.f(ctx)
}

// A HookableBase provides the hook bookkeeping for types that implement the
// Hookable interface.
type HookableBase struct {
	hookList []Hook
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	return len(h.hookList)
}

// Hooks returns all the hooks registered.
func (h *HookableBase) Hooks() []Hook {
	return h.hookList
}

// AcceptHook registers a hook. Registering the same hook twice panics.
func (h *HookableBase) AcceptHook(hook Hook) {
	for _, registered := range h.hookList {
		if registered == hook {
			panic("duplicated hook")
		}
	}

	h.hookList = append(h.hookList, hook)
}

// InvokeHook triggers the registered Hooks.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.hookList {
		hook.Func(ctx)
	}
}

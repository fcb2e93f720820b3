package vm

// HookPos defines the enum of possible hooking positions.
type HookPos struct {
	Name string
}

// HookCtx is the context that holds all the information about the site that a
// hook is triggered.
type HookCtx struct {
	Domain Hookable
	Pos    *HookPos
	Item   interface{}
	Detail interface{}
}

// Hookable defines an object that accept Hooks.
type Hookable interface {
	// Name returns the name of the hookable object.
	Name() string

	// AcceptHook registers a hook.
	AcceptHook(hook Hook)

	// NumHooks returns the number of hooks registered.
	NumHooks() int
}

// Hook is a short piece of program that can be invoked by a hookable object.
// Hooks may be invoked from several goroutines at the same time.
type Hook interface {
	// Func determines what to do if hook is invoked.
	Func(ctx HookCtx)
}

// HookPosFrameAlloc triggers after frames are allocated. Item is a
// FrameEvent.
var HookPosFrameAlloc = &HookPos{Name: "FrameAlloc"}

// HookPosFrameFree triggers after frames are freed. Item is a FrameEvent.
var HookPosFrameFree = &HookPos{Name: "FrameFree"}

// HookPosEvict triggers after a page is evicted. Item is an EvictionEvent.
var HookPosEvict = &HookPos{Name: "Evict"}

// HookPosPageFault triggers after a page fault is resolved. Item is a
// FaultEvent.
var HookPosPageFault = &HookPos{Name: "PageFault"}

// HookPosTLBInsert triggers after a translation is installed. Item is a
// TLBEvent.
var HookPosTLBInsert = &HookPos{Name: "TLBInsert"}

// HookPosTLBInvalidate triggers after translations are removed. Item is a
// TLBEvent.
var HookPosTLBInvalidate = &HookPos{Name: "TLBInvalidate"}

// A FrameEvent describes a frame-table allocation or free.
type FrameEvent struct {
	PAddr     PAddr
	NumFrames int
	Kernel    bool
	Owner     *Owner
}

// An EvictionEvent describes a finished eviction.
type EvictionEvent struct {
	PAddr      PAddr
	Owner      Owner
	VPage      VAddr
	NewState   PageState
	Slot       SlotIndex
	WrittenOut bool
}

// A FaultEvent describes a resolved page fault.
type FaultEvent struct {
	PID       PID
	VPage     VAddr
	Access    AccessKind
	PAddr     PAddr
	FromState PageState
}

// A TLBEvent describes a change to a translation cache.
type TLBEvent struct {
	VPage    VAddr
	PAddr    PAddr
	ReadOnly bool
	All      bool
}

// A HookableBase provides some utility function for other type that implement
// the Hookable interface.
type HookableBase struct {
	hookList []Hook
}

// NumHooks returns the number of hooks registered.
func (h *HookableBase) NumHooks() int {
	return len(h.hookList)
}

// AcceptHook register a hook. Hooks must be registered before the object is
// shared between goroutines.
func (h *HookableBase) AcceptHook(hook Hook) {
	for _, existing := range h.hookList {
		if existing == hook {
			panic("duplicated hook")
		}
	}

	h.hookList = append(h.hookList, hook)
}

// InvokeHook triggers the register Hooks.
func (h *HookableBase) InvokeHook(ctx HookCtx) {
	for _, hook := range h.hookList {
		hook.Func(ctx)
	}
}

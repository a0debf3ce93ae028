package hooking

import (
	"sync"
)

// TagCountTracer counts how many times each tag is attached to a task.
type TagCountTracer struct {
	lock     sync.Mutex
	tagNames []string
	tagCount map[string]uint64
}

// NewTagCountTracer creates a new TagCountTracer.
func NewTagCountTracer() *TagCountTracer {
	return &TagCountTracer{
		tagCount: make(map[string]uint64),
	}
}

// Func counts task tags.
func (t *TagCountTracer) Func(ctx HookCtx) {
	if ctx.Pos != HookPosTaskTag {
		return
	}

	t.TagTask(ctx.Item.(TaskTag))
}

// TagTask counts one tag.
func (t *TagCountTracer) TagTask(taskTag TaskTag) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if _, ok := t.tagCount[taskTag.What]; !ok {
		t.tagNames = append(t.tagNames, taskTag.What)
	}

	t.tagCount[taskTag.What]++
}

// TagNames returns the tag names in the order they first appeared.
func (t *TagCountTracer) TagNames() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	names := make([]string, len(t.tagNames))
	copy(names, t.tagNames)

	return names
}

// TagCount returns the number of times a tag has been seen.
func (t *TagCountTracer) TagCount(tagName string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.tagCount[tagName]
}

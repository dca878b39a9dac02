// Package security provides the security-context collaborator consumed by the
// wait/notify core: a permission predicate and named resource limits shared by
// every thread running under the same limit.
package security

import (
	"sync"
	"sync/atomic"

	"threadwait/internal/result"
)

// Status is the permission status bit set, as returned by HasThreadPermission.
type Status uint32

const (
	Allowed     Status = 0x01
	Inheritable Status = 0x02
	Recoverable Status = 0x04
	Revoked     Status = 0x08
)

// Wildcard grants every permission not explicitly revoked.
const Wildcard = "*"

// Permission names checked by the thread subsystem.
const (
	PermThreadStart     = "thread.start"
	PermThreadUnpark    = "thread.unpark"
	PermThreadInterrupt = "thread.interrupt"
	PermThreadJoin      = "thread.join"
	PermThreadDestroy   = "thread.destroy"
)

// Class names a resource counted against a limit.
type Class string

const (
	// ClassBlocking counts in-flight blocking episodes.
	ClassBlocking Class = "blocking"
	// ClassThreads counts live threads.
	ClassThreads Class = "threads"
)

var contextIDs atomic.Uint64

// Context is a security context. Permission state is private to the context,
// limits are shared with every context derived from it.
type Context struct {
	id   uint64
	name string

	mu    sync.RWMutex
	perms map[string]Status

	limits *limitSet
}

type limitSet struct {
	mu sync.RWMutex
	m  map[Class]*Limit
}

// NewContext creates an empty context: no permissions, no limits.
func NewContext(name string) *Context {
	return &Context{
		id:     contextIDs.Add(1),
		name:   name,
		perms:  make(map[string]Status),
		limits: &limitSet{m: make(map[Class]*Limit)},
	}
}

// NewDefaultContext creates a context holding every permission and the given
// limits.
func NewDefaultContext(name string, limits map[Class]int64) *Context {
	c := NewContext(name)
	c.Grant(Wildcard, Allowed|Inheritable)
	for class, max := range limits {
		c.SetLimit(class, max)
	}
	return c
}

// ID returns the context identifier.
func (c *Context) ID() uint64 { return c.id }

// Name returns the context name.
func (c *Context) Name() string { return c.name }

// Derive creates a child context. The child inherits the permissions marked
// Inheritable and shares the parent's limit counters.
func (c *Context) Derive(name string) *Context {
	child := &Context{
		id:     contextIDs.Add(1),
		name:   name,
		perms:  make(map[string]Status),
		limits: c.limits,
	}
	c.mu.RLock()
	for p, s := range c.perms {
		if s&Inheritable != 0 && s&Revoked == 0 {
			child.perms[p] = s
		}
	}
	c.mu.RUnlock()
	return child
}

// Grant sets the status of a permission.
func (c *Context) Grant(perm string, status Status) {
	c.mu.Lock()
	c.perms[perm] = status
	c.mu.Unlock()
}

// Revoke marks a permission revoked. A revoked permission stays denied even
// when the wildcard is granted.
func (c *Context) Revoke(perm string) {
	c.mu.Lock()
	c.perms[perm] = (c.perms[perm] &^ Allowed) | Revoked
	c.mu.Unlock()
}

// Has returns the effective status of perm.
func (c *Context) Has(perm string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if s, ok := c.perms[perm]; ok {
		return s
	}
	if s, ok := c.perms[Wildcard]; ok && s&Revoked == 0 {
		return s
	}
	return 0
}

// Check returns result.Permission unless perm is allowed.
func (c *Context) Check(perm string) error {
	if c == nil {
		return nil
	}
	s := c.Has(perm)
	if s&Allowed == 0 || s&Revoked != 0 {
		return result.Permission
	}
	return nil
}

// SetLimit installs or resizes the limit for class. Existing in-flight
// acquisitions are kept.
func (c *Context) SetLimit(class Class, max int64) {
	c.limits.mu.Lock()
	defer c.limits.mu.Unlock()
	if l, ok := c.limits.m[class]; ok {
		l.max.Store(max)
		return
	}
	l := &Limit{class: class}
	l.max.Store(max)
	c.limits.m[class] = l
}

// Limit returns the limit for class, or nil when the class is unlimited.
func (c *Context) Limit(class Class) *Limit {
	c.limits.mu.RLock()
	defer c.limits.mu.RUnlock()
	return c.limits.m[class]
}

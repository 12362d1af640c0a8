package engine

import (
	"github.com/ethereum/go-ethereum/common"
)

// Authorizer is a simple allow-list of executors and administrators. An
// empty executor list admits every caller.
type Authorizer struct {
	open      bool
	executors map[common.Address]struct{}
	admins    map[common.Address]struct{}
}

// NewAuthorizer creates an allow-list.
func NewAuthorizer(executors, admins []common.Address) *Authorizer {
	a := &Authorizer{
		open:      len(executors) == 0,
		executors: make(map[common.Address]struct{}, len(executors)),
		admins:    make(map[common.Address]struct{}, len(admins)),
	}
	for _, e := range executors {
		a.executors[e] = struct{}{}
	}
	for _, adm := range admins {
		a.admins[adm] = struct{}{}
	}
	return a
}

// CanExecute reports whether caller may request executions.
func (a *Authorizer) CanExecute(caller common.Address) bool {
	if a.open {
		return true
	}
	if _, ok := a.executors[caller]; ok {
		return true
	}
	return a.IsAdmin(caller)
}

// IsAdmin reports whether caller may use the administrative surface.
func (a *Authorizer) IsAdmin(caller common.Address) bool {
	_, ok := a.admins[caller]
	return ok
}

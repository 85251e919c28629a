package vault

import (
	"time"

	"github.com/forest6511/painvault/pkg/audit"
)

// touch records activity for the inactivity window.
func (v *Vault) touch() {
	v.lastActivity.Store(v.opts.Now().UnixNano())
}

// armAutoLock (re)starts the inactivity timer for the live session.
func (v *Vault) armAutoLock() {
	if v.opts.AutoLock < 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.timer != nil {
		v.timer.Stop()
	}
	v.timer = time.AfterFunc(v.opts.AutoLock, v.checkIdle)
}

// checkIdle locks the vault when the window has elapsed since the last key
// fetch, otherwise it sleeps for the remainder.
func (v *Vault) checkIdle() {
	if v.IsLocked() {
		return
	}
	last := time.Unix(0, v.lastActivity.Load())
	idle := v.opts.Now().Sub(last)
	if idle >= v.opts.AutoLock {
		v.lock(audit.OpVaultAutoLock)
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.keys != nil && v.timer != nil {
		v.timer.Reset(v.opts.AutoLock - idle)
	}
}

package clients

// CheckPin records a PIN attempt from address and reports whether the host
// is now blocked. A correct PIN clears the failure count.
func (r *Registry) CheckPin(address string, ok bool) (blocked bool) {
	host := hostOf(address)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isBlockedLocked(host) {
		return true
	}
	st := r.pins[host]
	if ok {
		delete(r.pins, host)
		return false
	}
	if st == nil {
		st = &pinState{}
		r.pins[host] = st
	}
	st.failures++
	if st.failures < r.opts.MaxPinAttempts {
		return false
	}

	st.failures = 0
	st.blockedUntil = r.now().Add(r.opts.BlockDuration)
	changed := false
	for _, c := range r.order {
		if hostOf(c.Address) == host && !c.Blocked {
			c.Blocked = true
			changed = true
		}
	}
	if changed {
		r.publishLocked()
	}
	return true
}

// IsBlocked reports whether the host of address is currently blocked.
func (r *Registry) IsBlocked(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isBlockedLocked(hostOf(address))
}

func (r *Registry) isBlockedLocked(host string) bool {
	st, ok := r.pins[host]
	return ok && r.now().Before(st.blockedUntil)
}

package callctl

import (
	"cmp"
	"slices"
)

// CallRegistry indexes the live calls of a position. It is guarded by the
// position mutex.
type CallRegistry struct {
	byID map[uint64]*Call
}

func newCallRegistry() *CallRegistry {
	return &CallRegistry{byID: make(map[uint64]*Call)}
}

// Add registers c.
func (r *CallRegistry) Add(c *Call) {
	r.byID[c.id] = c
}

// Remove unregisters c. It reports whether c was registered.
func (r *CallRegistry) Remove(c *Call) bool {
	if r.byID[c.id] != c {
		return false
	}
	delete(r.byID, c.id)
	return true
}

// Get returns the call with the given id, or nil.
func (r *CallRegistry) Get(id uint64) *Call {
	return r.byID[id]
}

// FindBySession returns the call bound to a signaling session.
func (r *CallRegistry) FindBySession(sessionID string) *Call {
	if sessionID == "" {
		return nil
	}
	for _, c := range r.byID {
		if c.sessionID == sessionID {
			return c
		}
	}
	return nil
}

// FindByChannel returns the call bridged on channelID.
func (r *CallRegistry) FindByChannel(channelID string) *Call {
	if channelID == "" {
		return nil
	}
	for _, c := range r.byID {
		if c.info.ChannelID == channelID {
			return c
		}
	}
	return nil
}

// Find returns the calls accepted by pred ordered by id.
func (r *CallRegistry) Find(pred func(*Call) bool) []*Call {
	var out []*Call
	for _, c := range r.byID {
		if pred(c) {
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b *Call) int { return cmp.Compare(a.id, b.id) })
	return out
}

// All returns every call ordered by id.
func (r *CallRegistry) All() []*Call {
	return r.Find(func(*Call) bool { return true })
}

// Len returns the number of live calls.
func (r *CallRegistry) Len() int { return len(r.byID) }

// ConferenceRegistry indexes the live conferences of a position.
type ConferenceRegistry struct {
	byID map[uint64]*Conference
}

func newConferenceRegistry() *ConferenceRegistry {
	return &ConferenceRegistry{byID: make(map[uint64]*Conference)}
}

// Add registers cf.
func (r *ConferenceRegistry) Add(cf *Conference) {
	r.byID[cf.id] = cf
}

// Remove unregisters cf. It reports whether cf was registered.
func (r *ConferenceRegistry) Remove(cf *Conference) bool {
	if r.byID[cf.id] != cf {
		return false
	}
	delete(r.byID, cf.id)
	return true
}

// Get returns the conference with the given id, or nil.
func (r *ConferenceRegistry) Get(id uint64) *Conference {
	return r.byID[id]
}

// FindByBridgeID returns the conference bound to a bridge resource.
func (r *ConferenceRegistry) FindByBridgeID(bridgeID string) *Conference {
	if bridgeID == "" {
		return nil
	}
	for _, cf := range r.byID {
		if cf.bridgeID == bridgeID {
			return cf
		}
	}
	return nil
}

// ContainsCall returns the conference that has c as a member or pending leg.
func (r *ConferenceRegistry) ContainsCall(c *Call) *Conference {
	for _, cf := range r.byID {
		if cf.pending == c || cf.isMember(c) {
			return cf
		}
	}
	return nil
}

// All returns every conference ordered by id.
func (r *ConferenceRegistry) All() []*Conference {
	out := make([]*Conference, 0, len(r.byID))
	for _, cf := range r.byID {
		out = append(out, cf)
	}
	slices.SortFunc(out, func(a, b *Conference) int { return cmp.Compare(a.id, b.id) })
	return out
}

// Len returns the number of live conferences.
func (r *ConferenceRegistry) Len() int { return len(r.byID) }

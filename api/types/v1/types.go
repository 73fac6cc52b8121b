// Package types defines the JSON types of the console operations API.
package types

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status            string        `json:"status"`
	Uptime            int64         `json:"uptime"`
	Position          string        `json:"position"`
	Device            string        `json:"device"`
	ActiveCalls       int           `json:"active_calls"`
	ActiveConferences int           `json:"active_conferences"`
	SIPSessions       int           `json:"sip_sessions"`
	EventClients      int           `json:"event_clients"`
	Nodes             NodesResponse `json:"nodes"`
}

// Node represents a bridging node connection
type Node struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
	Healthy bool   `json:"healthy"`
	State   string `json:"state"`
}

// NodesResponse is the response from /api/v1/nodes
type NodesResponse struct {
	TotalMembers   int    `json:"total_members"`
	HealthyMembers int    `json:"healthy_members"`
	Members        []Node `json:"members"`
}

// ALI is the decoded location record of a call
type ALI struct {
	ANI            string `json:"ani,omitempty"`
	PseudoANI      string `json:"pseudo_ani,omitempty"`
	Provider       string `json:"provider,omitempty"`
	ClassOfService string `json:"class_of_service,omitempty"`
	Wireless       bool   `json:"wireless,omitempty"`
}

// Call represents a call leg at the position
type Call struct {
	ID                 uint64 `json:"id"`
	State              string `json:"state"`
	Operation          string `json:"operation,omitempty"`
	LineID             string `json:"line_id,omitempty"`
	NodeID             string `json:"node_id,omitempty"`
	SessionID          string `json:"session_id,omitempty"`
	ConferenceID       uint64 `json:"conference_id,omitempty"`
	CallingParty       string `json:"calling_party,omitempty"`
	ConnectedParty     string `json:"connected_party,omitempty"`
	TrunkAddress       string `json:"trunk_address,omitempty"`
	UCI                string `json:"uci,omitempty"`
	ChannelID          string `json:"channel_id,omitempty"`
	CallbackNumber     string `json:"callback_number,omitempty"`
	ContextID          uint64 `json:"context_id"`
	Priority           int    `json:"priority"`
	Is911              bool   `json:"is_911"`
	IsText             bool   `json:"is_text"`
	Tone               string `json:"tone"`
	CallerDisconnected bool   `json:"caller_disconnected"`
	TransferBlocked    bool   `json:"transfer_blocked"`
	RebidActive        bool   `json:"rebid_active"`
	ALI                *ALI   `json:"ali,omitempty"`
	CreatedAt          string `json:"created_at"`
	Duration           int    `json:"duration"`
}

// Member is a call leg of a conference
type Member struct {
	CallID uint64 `json:"call_id"`
	Type   string `json:"type"`
	State  string `json:"state"`
}

// Participant is a party on a conference bridge
type Participant struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	DN        string `json:"dn,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Muted     bool   `json:"muted"`
	Deafened  bool   `json:"deafened"`
	CallID    uint64 `json:"call_id,omitempty"`
}

// Conference represents a conference owned by the position
type Conference struct {
	ID            uint64        `json:"id"`
	BridgeID      string        `json:"bridge_id"`
	NodeID        string        `json:"node_id"`
	State         string        `json:"state"`
	Protocol      string        `json:"protocol"`
	Operation     string        `json:"operation,omitempty"`
	AnchorCallID  uint64        `json:"anchor_call_id,omitempty"`
	PendingCallID uint64        `json:"pending_call_id,omitempty"`
	Locked        bool          `json:"locked"`
	Transferred   bool          `json:"transferred"`
	Members       []Member      `json:"members"`
	Participants  []Participant `json:"participants"`
	CreatedAt     string        `json:"created_at"`
}

// NewCallRequest is the body of POST /api/v1/calls
type NewCallRequest struct {
	LineID       string `json:"line_id,omitempty"`
	CallingParty string `json:"calling_party,omitempty"`
	Dial         string `json:"dial,omitempty"`
}

// ActionRequest is the body of POST /api/v1/calls/{id}/{action} and
// /api/v1/conferences/{id}/{action}
type ActionRequest struct {
	Target        string `json:"target,omitempty"`
	NodeID        string `json:"node_id,omitempty"`
	Digits        string `json:"digits,omitempty"`
	Exclusive     bool   `json:"exclusive,omitempty"`
	Supervised    bool   `json:"supervised,omitempty"`
	OtherCallID   uint64 `json:"other_call_id,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	Mode          string `json:"mode,omitempty"`
}

// ActionResponse reports the result of an action
type ActionResponse struct {
	Message      string      `json:"message"`
	Call         *Call       `json:"call,omitempty"`
	Conference   *Conference `json:"conference,omitempty"`
	ConferenceID uint64      `json:"conference_id,omitempty"`
}

// ErrorResponse is returned by failed requests
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

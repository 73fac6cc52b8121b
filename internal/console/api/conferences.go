package api

import (
	"net/http"
	"time"

	types "github.com/sebas/psapconsole/api/types/v1"
	"github.com/sebas/psapconsole/internal/console/callctl"
)

func conferenceToAPI(s callctl.ConferenceSnapshot) types.Conference {
	cf := types.Conference{
		ID:            s.ID,
		BridgeID:      s.BridgeID,
		NodeID:        s.NodeID,
		State:         s.State.String(),
		Protocol:      s.Protocol.String(),
		AnchorCallID:  s.AnchorCallID,
		PendingCallID: s.PendingCallID,
		Locked:        s.Locked,
		Transferred:   s.Transferred,
		Members:       make([]types.Member, 0, len(s.Members)),
		Participants:  make([]types.Participant, 0, len(s.Participants)),
		CreatedAt:     s.CreatedAt.Format(time.RFC3339),
	}
	if s.Op != callctl.OpNone {
		cf.Operation = s.Op.String()
	}
	for _, m := range s.Members {
		cf.Members = append(cf.Members, types.Member{
			CallID: m.CallID,
			Type:   m.Type.String(),
			State:  m.State.String(),
		})
	}
	for _, pt := range s.Participants {
		cf.Participants = append(cf.Participants, types.Participant{
			ID:        pt.ID,
			Type:      pt.Type.String(),
			Status:    pt.Status,
			DN:        pt.DN,
			ChannelID: pt.ChannelID,
			Muted:     pt.Muted,
			Deafened:  pt.Deafened,
			CallID:    pt.CallID,
		})
	}
	return cf
}

func (s *Server) handleConferences(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snaps := s.position.ConferenceSnapshots()
	out := make([]types.Conference, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, conferenceToAPI(snap))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleConferenceByID serves a conference:
// GET /api/v1/conferences/{id} - conference details
// POST /api/v1/conferences/{id}/{action} - connect, cancel, hold, unhold,
// transfer, remove
func (s *Server) handleConferenceByID(w http.ResponseWriter, r *http.Request) {
	id, action, err := parseIDPath(r.URL.Path, "/api/v1/conferences/")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cf, ok := s.position.Conference(id)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.writeJSON(w, http.StatusOK, conferenceToAPI(cf.Snapshot()))
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req types.ActionRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	ctx, cancel := actionContext()
	defer cancel()

	switch action {
	case "connect":
		err = cf.Connect(ctx)
	case "cancel":
		err = cf.Cancel(ctx)
	case "hold":
		err = cf.Hold(ctx, req.Exclusive)
	case "unhold":
		err = cf.Unhold(ctx)
	case "transfer":
		err = cf.Transfer(ctx)
	case "remove":
		if req.ParticipantID == "" {
			http.Error(w, "Participant ID required", http.StatusBadRequest)
			return
		}
		err = cf.RemoveParticipant(ctx, req.ParticipantID)
	default:
		http.Error(w, "Unknown action "+action, http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	snap := conferenceToAPI(cf.Snapshot())
	s.writeJSON(w, http.StatusOK, types.ActionResponse{Message: action + " done", Conference: &snap})
}

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	types "github.com/sebas/psapconsole/api/types/v1"
	"github.com/sebas/psapconsole/internal/console/callctl"
)

// --- Conversion ---

func callToAPI(s callctl.CallSnapshot) types.Call {
	c := types.Call{
		ID:                 s.ID,
		State:              s.State.String(),
		LineID:             s.LineID,
		NodeID:             s.NodeID,
		SessionID:          s.SessionID,
		ConferenceID:       s.ConferenceID,
		CallingParty:       s.Info.CallingParty,
		ConnectedParty:     s.Info.ConnectedParty,
		TrunkAddress:       s.Info.TrunkAddress,
		UCI:                s.Info.UCI,
		ChannelID:          s.Info.ChannelID,
		CallbackNumber:     s.Info.CallbackNumber,
		ContextID:          s.Info.ContextID,
		Priority:           s.Info.Priority,
		Is911:              s.Info.Is911,
		IsText:             s.Info.IsText,
		Tone:               s.Tone.String(),
		CallerDisconnected: s.CallerDisconnected,
		TransferBlocked:    s.TransferBlocked,
		RebidActive:        s.RebidActive,
		CreatedAt:          s.CreatedAt.Format(time.RFC3339),
		Duration:           int(time.Since(s.CreatedAt).Seconds()),
	}
	if s.Op != callctl.OpNone {
		c.Operation = s.Op.String()
	}
	if s.Info.ALIReceived {
		c.ALI = &types.ALI{
			ANI:            s.Info.ALI.ANI,
			PseudoANI:      s.Info.ALI.PseudoANI,
			Provider:       s.Info.ALI.Provider,
			ClassOfService: s.Info.ALI.ClassOfService,
			Wireless:       s.Info.ALI.Wireless,
		}
	}
	return c
}

func callsToAPI(snaps []callctl.CallSnapshot) []types.Call {
	out := make([]types.Call, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, callToAPI(s))
	}
	return out
}

// --- Calls ---

// handleCalls lists live calls (GET) or seizes a line for a new outgoing
// call (POST).
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, callsToAPI(s.position.Calls()))
	case http.MethodPost:
		var req types.NewCallRequest
		if !s.readJSON(w, r, &req) {
			return
		}
		c, err := s.position.NewCall(req.LineID, callctl.CallInfo{CallingParty: req.CallingParty})
		if err != nil {
			s.writeError(w, err)
			return
		}
		if req.Dial != "" {
			ctx, cancel := actionContext()
			defer cancel()
			if err := c.Dial(ctx, req.Dial); err != nil {
				s.writeError(w, err)
				return
			}
		}
		snap := callToAPI(c.Snapshot())
		s.writeJSON(w, http.StatusCreated, types.ActionResponse{Message: "Call created", Call: &snap})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRecentCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, callsToAPI(s.position.RecentCalls()))
}

// parseIDPath splits "{id}" or "{id}/{action}" below prefix.
func parseIDPath(path, prefix string) (id uint64, action string, err error) {
	parts := strings.Split(strings.TrimPrefix(path, prefix), "/")
	if len(parts) > 2 || parts[0] == "" {
		return 0, "", fmt.Errorf("invalid path")
	}
	id, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid id %q", parts[0])
	}
	if len(parts) == 2 {
		action = parts[1]
	}
	return id, action, nil
}

// handleCallByID serves a call:
// GET /api/v1/calls/{id} - call details
// POST /api/v1/calls/{id}/{action} - operator action
func (s *Server) handleCallByID(w http.ResponseWriter, r *http.Request) {
	id, action, err := parseIDPath(r.URL.Path, "/api/v1/calls/")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c, ok := s.position.Call(id)
	if !ok {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.writeJSON(w, http.StatusOK, callToAPI(c.Snapshot()))
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

	conf, err := s.callAction(ctx, c, action, req)
	if errors.Is(err, errUnknownAction) {
		http.Error(w, "Unknown action "+action, http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	snap := callToAPI(c.Snapshot())
	response := types.ActionResponse{Message: action + " done", Call: &snap}
	if conf != nil {
		response.ConferenceID = conf.ID()
	}
	s.writeJSON(w, http.StatusOK, response)
}

var errUnknownAction = errors.New("unknown action")

// callAction runs one operator action on c. Conference-forming actions
// return the conference.
func (s *Server) callAction(ctx context.Context, c *callctl.Call, action string, req types.ActionRequest) (*callctl.Conference, error) {
	switch action {
	case "answer":
		return nil, c.Answer(ctx)
	case "reject":
		return nil, c.Reject(ctx)
	case "hold":
		return nil, c.Hold(ctx, req.Exclusive)
	case "unhold":
		return nil, c.Unhold(ctx)
	case "drop":
		return nil, c.Drop(ctx)
	case "park":
		return nil, c.Park(ctx)
	case "unpark":
		return nil, c.Unpark(ctx)
	case "barge":
		return nil, c.Barge(ctx)
	case "dial":
		return nil, c.Dial(ctx, req.Digits)
	case "transfer":
		return nil, c.Transfer(ctx, req.Target, req.Supervised)
	case "rebid":
		switch req.Mode {
		case "single":
			return nil, c.ForceRebid(ctx, callctl.RebidSingle)
		case "continuous":
			return nil, c.ForceRebid(ctx, callctl.RebidContinuous)
		case "", "stop":
			return nil, c.StopForcedRebid(ctx)
		}
		return nil, fmt.Errorf("rebid mode %q: %w", req.Mode, callctl.ErrIncapable)
	case "consult":
		return s.position.Factory().Consult(ctx, c, req.Target)
	case "conference":
		return s.position.Factory().NoHoldConference(ctx, c, req.Target)
	case "patch":
		other, ok := s.position.Call(req.OtherCallID)
		if !ok {
			return nil, fmt.Errorf("patch: call %d: %w: not found", req.OtherCallID, callctl.ErrIncapable)
		}
		return s.position.Factory().Patch(ctx, c, other)
	}
	return nil, errUnknownAction
}

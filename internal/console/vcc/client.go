package vcc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sebas/psapconsole/internal/console/callctl"
)

// ServiceName is the gRPC service every bridging node serves.
const ServiceName = "vcc.v1.Bridge"

func methodPath(name string) string { return "/" + ServiceName + "/" + name }

// Client issues bridging RPCs against the pool. It implements callctl.Node
// and callctl.RebidRequester.
type Client struct {
	pool    *Pool
	timeout time.Duration
}

// NewClient returns a client over pool. timeout bounds RPCs whose context
// has no deadline; zero disables it.
func NewClient(pool *Pool, timeout time.Duration) *Client {
	return &Client{pool: pool, timeout: timeout}
}

var (
	_ callctl.Node           = (*Client)(nil)
	_ callctl.RebidRequester = (*Client)(nil)
)

func (c *Client) CallPark(ctx context.Context, req callctl.BridgeRequest) (callctl.BridgeResult, error) {
	return c.call(ctx, "CallPark", req)
}

func (c *Client) CallUnpark(ctx context.Context, req callctl.BridgeRequest) (callctl.BridgeResult, error) {
	return c.call(ctx, "CallUnpark", req)
}

func (c *Client) CallHold(ctx context.Context, req callctl.BridgeRequest) (callctl.BridgeResult, error) {
	return c.call(ctx, "CallHold", req)
}

func (c *Client) CallUnhold(ctx context.Context, req callctl.BridgeRequest) (callctl.BridgeResult, error) {
	return c.call(ctx, "CallUnhold", req)
}

func (c *Client) CallBarge(ctx context.Context, req callctl.BridgeRequest) (callctl.BridgeResult, error) {
	return c.call(ctx, "CallBarge", req)
}

func (c *Client) CallDrop(ctx context.Context, req callctl.BridgeRequest) (callctl.BridgeResult, error) {
	return c.call(ctx, "CallDrop", req)
}

func (c *Client) CallPatch(ctx context.Context, req callctl.BridgeRequest) (callctl.BridgeResult, error) {
	return c.call(ctx, "CallPatch", req)
}

func (c *Client) ConferenceAcquire(ctx context.Context, req callctl.BridgeRequest) (callctl.BridgeResult, error) {
	return c.call(ctx, "ConferenceAcquire", req)
}

func (c *Client) ConferenceLock(ctx context.Context, req callctl.BridgeRequest) (callctl.BridgeResult, error) {
	return c.call(ctx, "ConferenceLock", req)
}

func (c *Client) ConferenceUnlock(ctx context.Context, req callctl.BridgeRequest) (callctl.BridgeResult, error) {
	return c.call(ctx, "ConferenceUnlock", req)
}

func (c *Client) ConferenceJoin(ctx context.Context, req callctl.BridgeRequest) (callctl.BridgeResult, error) {
	return c.call(ctx, "ConferenceJoin", req)
}

func (c *Client) ConferenceRemove(ctx context.Context, req callctl.BridgeRequest) (callctl.BridgeResult, error) {
	return c.call(ctx, "ConferenceRemove", req)
}

func (c *Client) ConferenceRelease(ctx context.Context, req callctl.BridgeRequest) (callctl.BridgeResult, error) {
	return c.call(ctx, "ConferenceRelease", req)
}

// RequestRebid asks the node serving the call to re-query location.
func (c *Client) RequestRebid(ctx context.Context, nodeID, uci string, pidfLO bool) error {
	in, err := structpb.NewStruct(map[string]any{"uci": uci, "pidf_lo": pidfLO})
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, nodeID, "RequestRebid", in)
	return err
}

func (c *Client) call(ctx context.Context, method string, req callctl.BridgeRequest) (callctl.BridgeResult, error) {
	out, err := c.invoke(ctx, req.NodeID, method, encodeRequest(req))
	if err != nil {
		return callctl.BridgeResult{}, err
	}
	return decodeResult(method, out)
}

func (c *Client) invoke(ctx context.Context, nodeID, method string, in *structpb.Struct) (*structpb.Struct, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out := &structpb.Struct{}
	if err := c.pool.invoke(ctx, nodeID, methodPath(method), in, out); err != nil {
		return nil, rpcError(method, nodeID, err)
	}
	if code := out.GetFields()["error_code"].GetStringValue(); code != "" {
		return nil, &callctl.BridgeOperationError{
			Op:      method,
			Code:    parseErrorCode(code),
			Message: out.GetFields()["error_message"].GetStringValue(),
		}
	}
	return out, nil
}

func encodeRequest(req callctl.BridgeRequest) *structpb.Struct {
	fields := map[string]*structpb.Value{}
	put := func(k, v string) {
		if v != "" {
			fields[k] = structpb.NewStringValue(v)
		}
	}
	put("device", req.Device)
	put("channel_id", req.ChannelID)
	put("uci", req.UCI)
	put("conference_id", req.ConferenceID)
	put("participant_id", req.ParticipantID)
	put("peer_channel_id", req.PeerChannelID)
	put("target", req.Target)
	if req.Exclusive {
		fields["exclusive"] = structpb.NewBoolValue(true)
	}
	return &structpb.Struct{Fields: fields}
}

func decodeResult(method string, out *structpb.Struct) (callctl.BridgeResult, error) {
	f := out.GetFields()
	tag, ok := parseResultTag(f["result"].GetStringValue())
	if !ok {
		return callctl.BridgeResult{}, fmt.Errorf("%s: unknown result %q", method, f["result"].GetStringValue())
	}
	return callctl.BridgeResult{
		Result:       tag,
		ConferenceID: f["conference_id"].GetStringValue(),
		ChannelID:    f["channel_id"].GetStringValue(),
		Endpoint:     f["endpoint"].GetStringValue(),
	}, nil
}

func parseResultTag(s string) (callctl.BridgeResultTag, bool) {
	switch s {
	case "", "OK":
		return callctl.ResultOK, true
	case "Hold":
		return callctl.ResultHold, true
	case "ForcedHold":
		return callctl.ResultForcedHold, true
	case "Disconnect":
		return callctl.ResultDisconnect, true
	case "Released":
		return callctl.ResultReleased, true
	case "PatchParked":
		return callctl.ResultPatchParked, true
	case "Busy":
		return callctl.ResultBusy, true
	}
	return callctl.ResultOK, false
}

func parseErrorCode(s string) callctl.BridgeErrorCode {
	for _, code := range []callctl.BridgeErrorCode{
		callctl.CodeCallerHangup,
		callctl.CodeCallerNotFound,
		callctl.CodeTimeout,
		callctl.CodeRejected,
		callctl.CodeLineLocked,
	} {
		if code.String() == s {
			return code
		}
	}
	return callctl.CodeUnknown
}

// rpcError maps transport failures onto bridge error codes where the core
// reacts to them.
func rpcError(method, nodeID string, err error) error {
	if errors.Is(err, ErrUnknownNode) || errors.Is(err, ErrNoAvailableNodes) {
		return fmt.Errorf("%s: %w", method, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s on node %s: %w", method, nodeID, err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return &callctl.BridgeOperationError{Op: method, Code: callctl.CodeTimeout, Message: st.Message()}
	case codes.NotFound:
		return &callctl.BridgeOperationError{Op: method, Code: callctl.CodeCallerNotFound, Message: st.Message()}
	case codes.FailedPrecondition:
		return &callctl.BridgeOperationError{Op: method, Code: callctl.CodeRejected, Message: st.Message()}
	}
	return fmt.Errorf("%s on node %s: %w", method, nodeID, err)
}

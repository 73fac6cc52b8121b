package vcc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sebas/psapconsole/internal/console/callctl"
)

// EventSink receives node notifications. *callctl.Position implements it.
type EventSink interface {
	HandleParticipants(ctx context.Context, snap callctl.ParticipantSnapshot) error
	HandleRelocation(channelID, nodeID string)
}

var subscribeDesc = &grpc.StreamDesc{
	StreamName:    "Subscribe",
	ServerStreams: true,
}

// Watch subscribes to nodeID's notification stream and feeds sink until ctx
// ends, resubscribing after stream failures.
func (c *Client) Watch(ctx context.Context, nodeID, device string, sink EventSink) {
	backoff := 250 * time.Millisecond
	for {
		err := c.subscribe(ctx, nodeID, device, sink)
		if ctx.Err() != nil {
			return
		}
		slog.Warn("[Watch] Node stream ended", "node_id", nodeID, "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) subscribe(ctx context.Context, nodeID, device string, sink EventSink) error {
	m, err := c.pool.conn(nodeID)
	if err != nil {
		return err
	}

	stream, err := m.conn.NewStream(ctx, subscribeDesc, methodPath("Subscribe"))
	if err != nil {
		return err
	}
	in, err := structpb.NewStruct(map[string]any{"device": device})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	slog.Info("[Watch] Subscribed to node", "node_id", nodeID)

	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("node %s closed the stream", nodeID)
			}
			return err
		}
		if err := dispatch(ctx, nodeID, msg, sink); err != nil {
			slog.Warn("[Watch] Notification not applied", "node_id", nodeID, "error", err)
		}
	}
}

func dispatch(ctx context.Context, nodeID string, msg *structpb.Struct, sink EventSink) error {
	f := msg.GetFields()
	switch kind := f["type"].GetStringValue(); kind {
	case "participants":
		return sink.HandleParticipants(ctx, decodeSnapshot(nodeID, msg))
	case "relocated":
		target := f["node_id"].GetStringValue()
		if target == "" {
			target = nodeID
		}
		sink.HandleRelocation(f["channel_id"].GetStringValue(), target)
		return nil
	default:
		return fmt.Errorf("unknown notification %q", kind)
	}
}

func decodeSnapshot(nodeID string, msg *structpb.Struct) callctl.ParticipantSnapshot {
	f := msg.GetFields()
	snap := callctl.ParticipantSnapshot{
		NodeID:       nodeID,
		Sequence:     uint64(f["sequence"].GetNumberValue()),
		ConferenceID: f["conference_id"].GetStringValue(),
		ChannelID:    f["channel_id"].GetStringValue(),
	}
	for _, v := range f["participants"].GetListValue().GetValues() {
		pf := v.GetStructValue().GetFields()
		report := callctl.ParticipantReport{
			ID:        pf["id"].GetStringValue(),
			Type:      callctl.ParticipantExternal,
			Status:    pf["status"].GetStringValue(),
			DN:        pf["dn"].GetStringValue(),
			ChannelID: pf["channel_id"].GetStringValue(),
			Muted:     pf["muted"].GetBoolValue(),
			Deafened:  pf["deafened"].GetBoolValue(),
			Owner:     pf["owner"].GetStringValue(),
		}
		if pf["type"].GetStringValue() == "internal" {
			report.Type = callctl.ParticipantInternal
		}
		snap.Participants = append(snap.Participants, report)
	}
	return snap
}

package sse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/nimburion/chatsync/pkg/updates"
)

// FrameType tags a frame sent to a live connection.
type FrameType string

const (
	// FrameReady is the first frame of every connection.
	FrameReady FrameType = "ready"
	// FrameUpdate carries one event.
	FrameUpdate FrameType = "update"
)

// Frame is a message queued for one connection.
type Frame struct {
	Type  FrameType
	Event *updates.UpdateEvent
}

func readyFrame() Frame { return Frame{Type: FrameReady} }

func updateFrame(event updates.UpdateEvent) Frame {
	return Frame{Type: FrameUpdate, Event: &event}
}

// WriteTo writes the frame in text/event-stream format. Update frames carry
// the seqno as the event id.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	switch f.Type {
	case FrameReady:
		buf.WriteString("event: ready\ndata: {}\n\n")
	case FrameUpdate:
		if f.Event == nil {
			return 0, fmt.Errorf("update frame without event")
		}
		data, err := json.Marshal(f.Event)
		if err != nil {
			return 0, fmt.Errorf("encode update frame: %w", err)
		}
		buf.WriteString("id: ")
		buf.WriteString(strconv.FormatInt(f.Event.Seqno, 10))
		buf.WriteString("\nevent: update\ndata: ")
		buf.Write(data)
		buf.WriteString("\n\n")
	default:
		return 0, fmt.Errorf("unknown frame type %q", f.Type)
	}
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

func writeComment(w io.Writer, value string) error {
	_, err := io.WriteString(w, ": "+value+"\n\n")
	return err
}

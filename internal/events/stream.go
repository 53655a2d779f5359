package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultKeepalive 是流式订阅在没有事件时发送心跳的间隔。
const DefaultKeepalive = 30 * time.Second

// FrameKind 区分事件流中的帧类型。
type FrameKind int

const (
	FrameEvent FrameKind = iota
	FrameKeepalive
	FrameDone
)

// Frame 是流式输出的最小单元。
type Frame struct {
	Kind  FrameKind
	Event Event
}

// Pump 持续读取订阅并交给 emit，收到终止事件后补发 done 帧并返回。
func Pump(ctx context.Context, sub *Subscription, keepalive time.Duration, emit func(Frame) error) error {
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	for {
		ev, err := sub.Next(ctx, keepalive)
		switch {
		case errors.Is(err, ErrTimeout):
			if err := emit(Frame{Kind: FrameKeepalive}); err != nil {
				return err
			}
			continue
		case errors.Is(err, ErrClosed):
			return emit(Frame{Kind: FrameDone})
		case err != nil:
			return err
		}
		if err := emit(Frame{Kind: FrameEvent, Event: ev}); err != nil {
			return err
		}
		if ev.Type.Terminal() {
			return emit(Frame{Kind: FrameDone})
		}
	}
}

// WriteSSE 以 text/event-stream 格式写出一帧。
func WriteSSE(w io.Writer, frame Frame) error {
	var err error
	switch frame.Kind {
	case FrameKeepalive:
		_, err = io.WriteString(w, ": keepalive\n\n")
	case FrameDone:
		_, err = io.WriteString(w, "data: {\"done\": true}\n\n")
	default:
		var payload []byte
		payload, err = json.Marshal(frame.Event)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	}
	return err
}

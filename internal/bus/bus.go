// Package bus carries grid control messages between nodes. Every message
// published on a bus is delivered to every subscribed node, the publisher
// included.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the control message type.
type Kind string

const (
	// KindStartTask asks every node to execute a stage task.
	KindStartTask Kind = "start_task"
	// KindTaskResult reports one node's terminal state for a dispatched task.
	KindTaskResult Kind = "task_result"
	// KindStopTask asks every node running the task to stop it.
	KindStopTask Kind = "stop_task"
	// KindStopPipeline requests a pipeline stop; a nil PipelineID targets all.
	KindStopPipeline Kind = "stop_pipeline"
	// KindPipelineDone tells waiting nodes the coordinator has finished.
	KindPipelineDone Kind = "pipeline_done"
)

// Message is the wire shape of every control message.
type Message struct {
	Kind       Kind    `json:"kind"`
	PipelineID *string `json:"pipeline_id"`
	Stage      string  `json:"stage,omitempty"`
	TaskID     string  `json:"task_id,omitempty"`
	DispatchID string  `json:"dispatch_id,omitempty"`
	NodeID     string  `json:"node_id,omitempty"`
	State      string  `json:"state,omitempty"`
	Error      string  `json:"error,omitempty"`
	Success    bool    `json:"success,omitempty"`
}

// ErrClosed is returned by a bus after Close.
var ErrClosed = errors.New("bus closed")

// Matches reports whether the message applies to pipelineID. A message without
// a pipeline id applies to every pipeline.
func (m Message) Matches(pipelineID string) bool {
	return m.PipelineID == nil || *m.PipelineID == pipelineID
}

// Target returns the pipeline id or "" for match-all messages.
func (m Message) Target() string {
	if m.PipelineID == nil {
		return ""
	}
	return *m.PipelineID
}

// PipelineRef returns a pointer suitable for Message.PipelineID.
func PipelineRef(id string) *string {
	return &id
}

// Encode marshals a message for transport.
func Encode(m Message) ([]byte, error) {
	if m.Kind == "" {
		return nil, errors.New("encode message: missing kind")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode unmarshals a transported message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if m.Kind == "" {
		return Message{}, errors.New("decode message: missing kind")
	}
	return m, nil
}

// Handler consumes delivered messages. Handlers run on the subscriber's
// delivery goroutine and should not block for long.
type Handler func(ctx context.Context, msg Message)

// Bus is a cluster-wide broadcast channel.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe delivers messages to h until ctx ends or the bus closes.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

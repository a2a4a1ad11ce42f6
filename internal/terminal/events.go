package terminal

import (
	"encoding/json"
	"fmt"
)

// ControlRequest is one outstanding request for write control.
type ControlRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// Event is an inbound control-protocol event. The concrete type identifies
// the wire `type` discriminator.
type Event interface {
	isEvent()
}

// ControlStateEvent is the full resynchronization snapshot the server sends
// after (re)connect. AgentState and Cwd are optional in the payload.
type ControlStateEvent struct {
	Controller     string
	ControllerName string
	Requests       []ControlRequest
	AgentState     *AgentState
	Cwd            *string
}

// ControlTakenEvent reports that a user took control of an idle terminal.
type ControlTakenEvent struct {
	Controller     string
	ControllerName string
}

// ControlRequestedEvent replaces the pending-requests list.
type ControlRequestedEvent struct {
	Requests []ControlRequest
}

// ControlGrantedEvent reports a control transfer to the grantee.
type ControlGrantedEvent struct {
	Controller     string
	ControllerName string
}

// ControlRevokedEvent reports that the controller released control.
type ControlRevokedEvent struct{}

// ControlExpiredEvent reports the controller the server reverted to after a
// grace period or request expired.
type ControlExpiredEvent struct {
	Controller string
}

// AgentStateEvent reports the agent lifecycle state.
type AgentStateEvent struct {
	State AgentState
}

// PTYClosedEvent reports that the underlying process ended. It does not
// close the socket.
type PTYClosedEvent struct{}

// CwdChangedEvent reports the terminal's working directory.
type CwdChangedEvent struct {
	Cwd string
}

// AudioEvent carries an opaque audio payload.
type AudioEvent struct {
	Payload json.RawMessage
}

// TTSStatusEvent carries an opaque text-to-speech status payload.
type TTSStatusEvent struct {
	Payload json.RawMessage
}

// NoticeEvent is a leveled diagnostic notice. It never affects protocol
// state.
type NoticeEvent struct {
	Level   string
	Message string
}

// AgentStoppedEvent carries the agent's final payload.
type AgentStoppedEvent struct {
	Payload json.RawMessage
}

func (ControlStateEvent) isEvent()     {}
func (ControlTakenEvent) isEvent()     {}
func (ControlRequestedEvent) isEvent() {}
func (ControlGrantedEvent) isEvent()   {}
func (ControlRevokedEvent) isEvent()   {}
func (ControlExpiredEvent) isEvent()   {}
func (AgentStateEvent) isEvent()       {}
func (PTYClosedEvent) isEvent()        {}
func (CwdChangedEvent) isEvent()       {}
func (AudioEvent) isEvent()            {}
func (TTSStatusEvent) isEvent()        {}
func (NoticeEvent) isEvent()           {}
func (AgentStoppedEvent) isEvent()     {}

// eventEnvelope is the superset of fields across all inbound event kinds.
type eventEnvelope struct {
	Type           string           `json:"type"`
	Controller     string           `json:"controller"`
	ControllerName string           `json:"controller_name"`
	Requests       []ControlRequest `json:"requests"`
	AgentState     *string          `json:"agent_state"`
	Cwd            *string          `json:"cwd"`
	Level          string           `json:"level"`
	Message        string           `json:"message"`
}

// ParseEvent decodes one inbound text frame into its typed event. Unknown
// event types and malformed JSON return an error; the caller drops the frame.
func ParseEvent(data []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed control event: %w", err)
	}

	switch env.Type {
	case "control_state":
		ev := ControlStateEvent{
			Controller:     env.Controller,
			ControllerName: env.ControllerName,
			Requests:       env.Requests,
			Cwd:            env.Cwd,
		}
		if env.AgentState != nil {
			s := AgentState(*env.AgentState)
			ev.AgentState = &s
		}
		return ev, nil
	case "control_taken":
		return ControlTakenEvent{Controller: env.Controller, ControllerName: env.ControllerName}, nil
	case "control_requested":
		return ControlRequestedEvent{Requests: env.Requests}, nil
	case "control_granted":
		return ControlGrantedEvent{Controller: env.Controller, ControllerName: env.ControllerName}, nil
	case "control_revoked":
		return ControlRevokedEvent{}, nil
	case "control_expired":
		return ControlExpiredEvent{Controller: env.Controller}, nil
	case "agent_state":
		if env.AgentState == nil {
			return nil, fmt.Errorf("agent_state event missing agent_state field")
		}
		return AgentStateEvent{State: AgentState(*env.AgentState)}, nil
	case "pty_closed":
		return PTYClosedEvent{}, nil
	case "cwd_changed":
		var cwd string
		if env.Cwd != nil {
			cwd = *env.Cwd
		}
		return CwdChangedEvent{Cwd: cwd}, nil
	case "audio":
		return AudioEvent{Payload: json.RawMessage(data)}, nil
	case "tts_status":
		return TTSStatusEvent{Payload: json.RawMessage(data)}, nil
	case "talkito_notice":
		return NoticeEvent{Level: env.Level, Message: env.Message}, nil
	case "agent_stopped":
		return AgentStoppedEvent{Payload: json.RawMessage(data)}, nil
	default:
		return nil, fmt.Errorf("unknown control event type %q", env.Type)
	}
}

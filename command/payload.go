// Package command publishes dispense commands to the bus and parses
// the traffic that comes back on the command channel.
package command

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/SoraidaMedina/ProyectoIoT-sub000/session"
)

// Dispense is the structured command the app and this service publish.
type Dispense struct {
	Command   string             `json:"comando"`
	Quantity  float64            `json:"cantidad"`
	Mac       string             `json:"mac,omitempty"`
	Requester *session.Requester `json:"usuario,omitempty"`
}

// CommandDispense is the only structured command verb today.
const CommandDispense = "dispensar"

// Payload is the parsed form of a command-channel message: either a
// structured command or a bare device acknowledgement string. Which one
// is decided at parse time, not by the consumer.
type Payload struct {
	Structured *Dispense
	Simple     string
}

// IsStructured reports whether the payload carried a command object.
func (p Payload) IsStructured() bool {
	return p.Structured != nil
}

// ParsePayload classifies raw command-channel bytes. JSON objects with
// a `comando` field are structured commands; anything else, including
// quoted JSON strings, is a device acknowledgement.
func ParsePayload(data []byte) Payload {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var cmd Dispense
		if err := json.Unmarshal(trimmed, &cmd); err == nil && cmd.Command != "" {
			return Payload{Structured: &cmd}
		}
	}

	var quoted string
	if err := json.Unmarshal(trimmed, &quoted); err == nil {
		return Payload{Simple: quoted}
	}
	return Payload{Simple: strings.TrimSpace(string(trimmed))}
}

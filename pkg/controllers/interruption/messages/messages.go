/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package messages defines the EventBridge envelope and the typed payloads
// the interruption consumer reacts to. Each detail type lives in its own
// subpackage with the parser for its schema.
package messages

import (
	"time"
)

// Parser decodes one EventBridge detail type. The Version/Source/DetailType
// triple routes raw messages to the right parser.
type Parser interface {
	Parse(raw string) (Message, error)

	Version() string
	Source() string
	DetailType() string
}

// Message is one decoded queue message.
type Message interface {
	EC2InstanceIDs() []string
	Kind() Kind
	StartTime() time.Time
}

type Kind string

const (
	SpotInterruptionKind Kind = "spot_interrupted"
	StateChangeKind      Kind = "state_change"
	NoOpKind             Kind = "no_op"
)

// Metadata is the EventBridge envelope shared by every event on the queue.
// The field names follow the wire schema.
type Metadata struct {
	Account    string    `json:"account"`
	DetailType string    `json:"detail-type"`
	ID         string    `json:"id"`
	Region     string    `json:"region"`
	Resources  []string  `json:"resources"`
	Source     string    `json:"source"`
	Time       time.Time `json:"time"`
	Version    string    `json:"version"`
}

// StartTime is when the event entered the bus, zero when the envelope carried
// no timestamp.
func (m Metadata) StartTime() time.Time {
	return m.Time
}

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

// Package statechange parses AWS EventBridge schema
// aws.ec2@EC2InstanceStateChangeNotification v0. Only transitions toward
// stopped or terminated are surfaced; everything else is dropped at parse
// time.
package statechange

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/awslabs/open-resource-broker-sub002/pkg/controllers/interruption/messages"
)

var acceptedStates = []string{"stopping", "stopped", "shutting-down", "terminated"}

type Message struct {
	messages.Metadata

	Detail Detail `json:"detail"`
}

type Detail struct {
	InstanceID string `json:"instance-id"`
	State      string `json:"state"`
}

func (m Message) EC2InstanceIDs() []string {
	return []string{m.Detail.InstanceID}
}

func (Message) Kind() messages.Kind {
	return messages.StateChangeKind
}

type Parser struct{}

func (p Parser) Parse(raw string) (messages.Message, error) {
	msg := Message{}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("unmarshalling the message as EC2InstanceStateChangeNotification, %w", err)
	}
	if !lo.Contains(acceptedStates, strings.ToLower(msg.Detail.State)) {
		return nil, nil
	}
	return msg, nil
}

func (p Parser) Version() string {
	return "0"
}

func (p Parser) Source() string {
	return "aws.ec2"
}

func (p Parser) DetailType() string {
	return "EC2 Instance State-change Notification"
}

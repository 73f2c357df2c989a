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

package v1

import (
	"time"
)

// MachineResult is the scheduler-facing verdict for one machine.
type MachineResult string

const (
	MachineResultExecuting MachineResult = "executing"
	MachineResultFail      MachineResult = "fail"
	MachineResultSucceed   MachineResult = "succeed"
)

// Cloud-side instance lifecycle states the broker reacts to.
const (
	InstanceStatePending      = "pending"
	InstanceStateRunning      = "running"
	InstanceStateShuttingDown = "shutting-down"
	InstanceStateTerminated   = "terminated"
	InstanceStateStopping     = "stopping"
	InstanceStateStopped      = "stopped"
)

// Machine is the normalized inventory record for one cloud instance. It
// weakly references its request and template by id and exactly one resource
// id.
type Machine struct {
	MachineID        string            `json:"machine_id"`
	Name             string            `json:"name"`
	InstanceID       string            `json:"instance_id"`
	RequestID        string            `json:"request_id"`
	TemplateID       string            `json:"template_id"`
	ResourceID       string            `json:"resource_id"`
	Status           string            `json:"status"`
	Result           MachineResult     `json:"result"`
	InstanceType     string            `json:"instance_type,omitempty"`
	AvailabilityZone string            `json:"availability_zone,omitempty"`
	PrivateIP        string            `json:"private_ip,omitempty"`
	PublicIP         string            `json:"public_ip,omitempty"`
	LaunchTime       time.Time         `json:"launch_time,omitempty"`
	PriceType        PriceType         `json:"price_type,omitempty"`
	ProviderName     string            `json:"provider_name,omitempty"`
	ProviderType     string            `json:"provider_type,omitempty"`
	ProviderAPI      string            `json:"provider_api,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// SchedulerMachineView is the exact payload shape the scheduler consumes.
// The key set and casing are part of the external protocol and must not
// change.
type SchedulerMachineView struct {
	MachineID        string `json:"machineId"`
	Name             string `json:"name"`
	Result           string `json:"result"`
	PrivateIPAddress string `json:"privateIpAddress"`
	PublicIPAddress  string `json:"publicIpAddress"`
	LaunchTime       int64  `json:"launchtime"`
	InstanceType     string `json:"instanceType"`
	PriceType        string `json:"priceType"`
}

func (m *Machine) ToSchedulerView() SchedulerMachineView {
	var launchTime int64
	if !m.LaunchTime.IsZero() {
		launchTime = m.LaunchTime.Unix()
	}
	return SchedulerMachineView{
		MachineID:        m.MachineID,
		Name:             m.Name,
		Result:           string(m.Result),
		PrivateIPAddress: m.PrivateIP,
		PublicIPAddress:  m.PublicIP,
		LaunchTime:       launchTime,
		InstanceType:     m.InstanceType,
		PriceType:        string(m.PriceType),
	}
}

// ResultFromInstanceState maps a cloud instance lifecycle state to the
// scheduler verdict: still materializing machines are executing, running
// machines succeed, anything on the way down fails.
func ResultFromInstanceState(state string) MachineResult {
	switch state {
	case InstanceStatePending:
		return MachineResultExecuting
	case InstanceStateRunning:
		return MachineResultSucceed
	default:
		return MachineResultFail
	}
}

// MarkRunning records the instance as live.
func (m *Machine) MarkRunning(privateIP, publicIP string) {
	m.Status = InstanceStateRunning
	m.Result = MachineResultSucceed
	if privateIP != "" {
		m.PrivateIP = privateIP
	}
	if publicIP != "" {
		m.PublicIP = publicIP
	}
}

// MarkTerminated records the instance as gone. Machines are updated, never
// deleted.
func (m *Machine) MarkTerminated() {
	m.Status = InstanceStateTerminated
	m.Result = MachineResultFail
}

// MarkFailed records a machine-level failure with the given status detail.
func (m *Machine) MarkFailed(status string) {
	if status != "" {
		m.Status = status
	}
	m.Result = MachineResultFail
}

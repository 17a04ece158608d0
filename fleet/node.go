// Package fleet describes the machines a campaign can run on and reads them
// from the on-disk node catalog.
package fleet

import "strings"

// Node is a catalog descriptor for one physical machine. Jobs keep a copy.
type Node struct {
	UID               string                 `json:"uid" yaml:"uid"`
	Cluster           string                 `json:"cluster,omitempty" yaml:"cluster,omitempty"`
	Exotic            bool                   `json:"exotic" yaml:"exotic"`
	Processor         Processor              `json:"processor" yaml:"processor"`
	Architecture      Architecture           `json:"architecture" yaml:"architecture"`
	OperatingSystem   map[string]interface{} `json:"operating_system,omitempty" yaml:"operating_system,omitempty"`
	SupportedJobTypes SupportedJobTypes      `json:"supported_job_types" yaml:"supported_job_types"`
}

type Processor struct {
	Vendor            string  `json:"vendor" yaml:"vendor"`
	Microarchitecture string  `json:"microarchitecture" yaml:"microarchitecture"`
	Version           Version `json:"version" yaml:"version"`
}

type Architecture struct {
	NbCores int `json:"nb_cores" yaml:"nb_cores"`
}

type SupportedJobTypes struct {
	Queues []string `json:"queues" yaml:"queues"`
}

// AcceptsQueue is true when the node lists queue, or lists no queues at all.
func (n Node) AcceptsQueue(queue string) bool {
	if len(n.SupportedJobTypes.Queues) == 0 {
		return true
	}
	for _, q := range n.SupportedJobTypes.Queues {
		if strings.EqualFold(q, queue) {
			return true
		}
	}
	return false
}

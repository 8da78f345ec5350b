package mesh

import (
	"time"
)

type Config struct {
	// NodeID is the unique ID of this node in the cluster.
	NodeID string `configKey:"nodeID" configUsage:"Unique ID of the node in the cluster." validate:"required,min=1,max=64"`
	// FieldUniverse is the number of fields in the region schema, the size of every field mask.
	FieldUniverse uint `configKey:"fieldUniverse" configUsage:"Number of fields in the region schema." validate:"required,min=1,max=4096"`
	// EventWorkers limits how many deferred continuations run concurrently.
	EventWorkers int `configKey:"eventWorkers" configUsage:"Limit of concurrently running deferred continuations." validate:"required,min=1,max=1024"`
	// TransportBuffer is the per-node inbox capacity of the in-process transport.
	TransportBuffer int `configKey:"transportBuffer" configUsage:"Capacity of the per-node message inbox." validate:"required,min=16,max=65536"`
	// SlowWaitWarning is how long a completion-handle wait may take before a warning is logged.
	SlowWaitWarning time.Duration `configKey:"slowWaitWarning" configUsage:"Threshold for the slow wait diagnostic." validate:"required"`
}

func NewConfig() Config {
	return Config{
		FieldUniverse:   256,
		EventWorkers:    32,
		TransportBuffer: 4096,
		SlowWaitWarning: 30 * time.Second,
	}
}

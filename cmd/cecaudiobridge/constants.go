package main

import "time"

// CEC bridge defaults
const (
	defaultRequestTimeoutSec = 15 // Per-request deadline for bridge exchanges (seconds)

	// The bridge emits response lines at its own pace; a quiet gap of this
	// length marks the end of a response.
	responseIdleWindow = 250 * time.Millisecond
)

// Bridge command vocabulary
const (
	cmdListActiveDevices = "lad"

	// Line marker the bridge prints before a device's logical address.
	logicalAddressToken = "logical address"
)

// Event feed polling
const (
	httpRequestTimeout = 10 * time.Second // Outbound GET deadline for the event feed
)

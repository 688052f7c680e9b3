// Package dispatch turns ledger service events into executed requests
// and fulfillment callbacks.
package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

// Canonical service types the platform executes.
const (
	ServiceDataFetch  = "data-fetch"
	ServiceRandom     = "random"
	ServiceCompute    = "compute"
	ServiceAutomation = "automation"
)

// ErrUnknownServiceType indicates a service type no normalization rule
// covers.
var ErrUnknownServiceType = errors.New("unknown service type")

// NormalizeServiceType maps a raw on-chain service type to its
// canonical form.
func NormalizeServiceType(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case ServiceDataFetch, "datafetch", "data_fetch", "fetch", "oracle":
		return ServiceDataFetch, nil
	case ServiceRandom, "rand", "rng", "randomness":
		return ServiceRandom, nil
	case ServiceCompute, "computation", "compute_task", "exec":
		return ServiceCompute, nil
	case ServiceAutomation, "cron", "schedule", "keeper":
		return ServiceAutomation, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownServiceType, raw)
}

// Task is the unit of work handed to an executor.
type Task struct {
	RequestID   string `json:"request_id"`
	AppID       string `json:"app_id"`
	ServiceType string `json:"service_type"`
	Payload     []byte `json:"payload,omitempty"`
}

// Package domain provides core domain implementations.
package domain

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// DeviceRegistry implements the Registry interface. The poll loop writes to
// it and the HTTP API reads from it concurrently.
type DeviceRegistry struct {
	devices map[string]*DeviceInfo
	latest  map[string]*PollResult
	mutex   sync.RWMutex
}

// NewDeviceRegistry creates a new device registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[string]*DeviceInfo),
		latest:  make(map[string]*PollResult),
	}
}

// RegisterDevice adds or updates a controller in the registry.
func (r *DeviceRegistry) RegisterDevice(name string, unitID byte) error {
	if name == "" {
		return fmt.Errorf("device name cannot be empty")
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	device, exists := r.devices[name]
	if !exists {
		device = &DeviceInfo{
			Name:       name,
			UnitID:     unitID,
			Registered: time.Now(),
		}
		r.devices[name] = device
	} else {
		device.UnitID = unitID
	}

	return nil
}

// UpdateResult records the latest poll result for a controller. A cycle that
// produced no data at all still updates the last outcome, but keeps the
// previous result available for readers.
func (r *DeviceRegistry) UpdateResult(name string, result *PollResult) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	device, exists := r.devices[name]
	if !exists {
		return fmt.Errorf("device %s not found", name)
	}

	device.LastOutcome = result.Outcome
	if result.Outcome != OutcomeTotalFailure {
		device.LastContact = result.Timestamp
		r.latest[name] = result
	}

	return nil
}

// SetOnline updates the link state of a controller.
func (r *DeviceRegistry) SetOnline(name string, online bool) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	device, exists := r.devices[name]
	if !exists {
		return fmt.Errorf("device %s not found", name)
	}

	device.Online = online
	return nil
}

// GetDevice retrieves information about a controller.
func (r *DeviceRegistry) GetDevice(name string) (*DeviceInfo, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	device, exists := r.devices[name]
	if !exists {
		return nil, false
	}

	copied := *device
	return &copied, true
}

// GetAllDevices returns information about all controllers, sorted by name.
func (r *DeviceRegistry) GetAllDevices() []*DeviceInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	devices := make([]*DeviceInfo, 0, len(r.devices))
	for _, device := range r.devices {
		copied := *device
		devices = append(devices, &copied)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Name < devices[j].Name
	})

	return devices
}

// GetLatest returns the most recent poll result for a controller.
func (r *DeviceRegistry) GetLatest(name string) (*PollResult, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result, exists := r.latest[name]
	if !exists {
		return nil, false
	}

	return result, true
}

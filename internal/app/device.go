package app

import "github.com/1ureka/adbwire/internal/device"

// DeviceTarget talks the message protocol straight to a device endpoint.
type DeviceTarget struct {
	base
	dev *device.Device
}

// NewDeviceTarget wraps an already connected device.
func NewDeviceTarget(dev *device.Device) *DeviceTarget {
	return &DeviceTarget{base: base{svc: dev}, dev: dev}
}

// Device exposes the underlying multiplexer.
func (t *DeviceTarget) Device() *device.Device { return t.dev }

func (t *DeviceTarget) Close() error { return t.dev.Close() }

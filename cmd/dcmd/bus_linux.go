//go:build linux

package main

import (
	"github.com/LoveWonYoung/dcm/driver"
	"github.com/LoveWonYoung/dcm/logrecorder"
)

func openSocketCAN(iface string, log logrecorder.Logger) (driver.CANDriver, error) {
	return driver.NewSocketCAN(iface, log), nil
}

//go:build !linux

package main

import (
	"fmt"

	"github.com/LoveWonYoung/dcm/driver"
	"github.com/LoveWonYoung/dcm/logrecorder"
)

func openSocketCAN(iface string, _ logrecorder.Logger) (driver.CANDriver, error) {
	return nil, fmt.Errorf("socketcan interface %s: only available on linux", iface)
}

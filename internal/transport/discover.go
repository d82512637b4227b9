// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.bug.st/serial/enumerator"

	"github.com/Thermoquad/ventd/internal/board"
)

var getPortsList = enumerator.GetDetailedPortsList

// Candidate is a serial device that may host a board.
type Candidate struct {
	Path         string
	USB          bool
	VendorID     uint16
	ProductID    uint16
	SerialNumber string
	Product      string
}

// Matches reports whether the candidate carries the descriptor's USB id.
func (c Candidate) Matches(d board.Descriptor) bool {
	return d.HasUSBID && c.USB && c.VendorID == d.VendorID && c.ProductID == d.ProductID
}

func (c Candidate) String() string {
	if !c.USB {
		return c.Path
	}
	s := fmt.Sprintf("%s [%04X:%04X]", c.Path, c.VendorID, c.ProductID)
	if c.Product != "" {
		s += " " + c.Product
	}
	if c.SerialNumber != "" {
		s += " sn=" + c.SerialNumber
	}
	return s
}

// ListPorts enumerates every serial device on the host, sorted by path.
func ListPorts() ([]Candidate, error) {
	ports, err := getPortsList()
	if err != nil {
		return nil, transportErr("enumerate serial ports", err)
	}

	out := make([]Candidate, 0, len(ports))
	for _, p := range ports {
		c := Candidate{Path: p.Name, USB: p.IsUSB, SerialNumber: p.SerialNumber, Product: p.Product}
		if p.IsUSB {
			c.VendorID = parseUSBID(p.VID)
			c.ProductID = parseUSBID(p.PID)
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Discover returns the serial devices whose USB id matches d.
func Discover(d board.Descriptor) ([]Candidate, error) {
	all, err := ListPorts()
	if err != nil {
		return nil, err
	}
	var out []Candidate
	for _, c := range all {
		if c.Matches(d) {
			out = append(out, c)
		}
	}
	return out, nil
}

// ErrNoDevice is returned when discovery finds no matching board.
var ErrNoDevice = errors.New("no matching device")

// DiscoverOpener returns an Opener that re-runs discovery on every attempt,
// so a board that re-enumerates under a new path is still found. It opens
// the first match, or the one whose serial number equals serialNumber when
// that is set.
func DiscoverOpener(d board.Descriptor, serialNumber string) Opener {
	return func(ctx context.Context) (Transport, error) {
		found, err := Discover(d)
		if err != nil {
			return nil, err
		}
		for _, c := range found {
			if serialNumber == "" || c.SerialNumber == serialNumber {
				s, err := OpenSerial(c.Path, d.Baud)
				if err != nil {
					return nil, err
				}
				return s, nil
			}
		}
		return nil, transportErr(fmt.Sprintf("discover %04X:%04X", d.VendorID, d.ProductID), ErrNoDevice)
	}
}

func parseUSBID(s string) uint16 {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0
	}
	return uint16(v)
}

package ingest

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/aplocate/internal/fusion"
)

// Device is one probe attached over serial.
type Device struct {
	Node    fusion.ReceiverID
	Path    string
	Options PortOptions
}

type devicesFile struct {
	Ports       map[string]string `yaml:"ports"`
	Directional map[string]struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"directional"`
	Scanners []struct {
		NodeID string `yaml:"node_id"`
		Port   string `yaml:"port"`
		Baud   int    `yaml:"baud"`
	} `yaml:"scanners"`
}

// LoadDevices reads a devices YAML file.
func LoadDevices(path string) ([]Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read devices %s: %w", path, err)
	}
	return ParseDevices(data)
}

// ParseDevices accepts either a flat "ports" map from node to device path,
// or "directional" left/right entries plus a "scanners" list. A GPS entry in
// the ports map is skipped.
func ParseDevices(data []byte) ([]Device, error) {
	var f devicesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse devices: %w", err)
	}

	var out []Device
	if len(f.Ports) > 0 {
		for node, dev := range f.Ports {
			if strings.EqualFold(node, "GPS") || dev == "" {
				continue
			}
			out = append(out, Device{Node: nodeID(node), Path: dev})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Node < out[j].Node })
		return out, nil
	}

	for _, side := range []string{"left", "right"} {
		d, ok := f.Directional[side]
		if !ok || d.Port == "" {
			continue
		}
		out = append(out, Device{Node: nodeID(side), Path: d.Port, Options: PortOptions{BaudRate: d.Baud}})
	}
	for _, s := range f.Scanners {
		if s.NodeID == "" || s.Port == "" {
			continue
		}
		out = append(out, Device{Node: nodeID(s.NodeID), Path: s.Port, Options: PortOptions{BaudRate: s.Baud}})
	}
	return out, nil
}

// nodeID maps a probe name to a receiver id; left and right are case-folded
// onto the directional receivers.
func nodeID(node string) fusion.ReceiverID {
	switch strings.ToUpper(strings.TrimSpace(node)) {
	case string(fusion.ReceiverLeft):
		return fusion.ReceiverLeft
	case string(fusion.ReceiverRight):
		return fusion.ReceiverRight
	}
	return fusion.ReceiverID(strings.TrimSpace(node))
}

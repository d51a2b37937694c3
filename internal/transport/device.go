package transport

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Mellanox/rdmamap"
)

const (
	sysfsRoot           = "/sys"
	classInfinibandPath = "class/infiniband"
	portsDirName        = "ports"
	linkLayerFile       = "link_layer"
	stateFile           = "state"
	rateFile            = "rate"
)

// ref. https://codebrowser.dev/linux/linux/include/rdma/ib_verbs.h.html#ib_port_state
var portStateNames = map[int]string{
	0: "NOP",
	1: "DOWN",
	2: "INIT",
	3: "ARMED",
	4: "ACTIVE",
	5: "ACTIVE_DEFER",
}

// ProbeDevice verifies that the named RDMA device exists on this host and
// logs its port attributes. A missing device is a configuration error; a
// port that is not ACTIVE is logged but tolerated, since the emulated
// back-end does not route through it.
func ProbeDevice(name string, logger *slog.Logger) error {
	devices := rdmamap.GetRdmaDeviceList()
	found := false
	for _, dev := range devices {
		if dev == name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("transport: rdma device %q not present (host has %v)", name, devices)
	}

	portsDir := filepath.Join(sysfsRoot, classInfinibandPath, name, portsDirName)
	entries, err := os.ReadDir(portsDir)
	if err != nil {
		return fmt.Errorf("transport: read ports of %s: %w", name, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		port, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		portDir := filepath.Join(portsDir, entry.Name())
		state := normalizePortState(readAttr(portDir, stateFile))
		logger.Info("fabric device port",
			"device", name,
			"port", port,
			"state", state,
			"link_layer", readAttr(portDir, linkLayerFile),
			"rate", readAttr(portDir, rateFile),
		)
		if state != "ACTIVE" && state != "ACTIVE_DEFER" {
			logger.Warn("fabric device port not active", "device", name, "port", port, "state", state)
		}
	}
	return nil
}

func readAttr(portDir, file string) string {
	data, err := os.ReadFile(filepath.Join(portDir, file))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// normalizePortState maps the "N: LABEL" sysfs form onto the canonical state
// name.
func normalizePortState(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if number, ok := extractFirstNumber(value); ok {
		if label, found := portStateNames[number]; found {
			return label
		}
	}
	if idx := strings.Index(value, ":"); idx >= 0 {
		value = strings.TrimSpace(value[idx+1:])
	}
	return strings.ToUpper(value)
}

func extractFirstNumber(value string) (int, bool) {
	start := -1
	for i, r := range value {
		if r >= '0' && r <= '9' {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 {
			if num, err := strconv.Atoi(value[start:i]); err == nil {
				return num, true
			}
			start = -1
		}
	}
	if start != -1 {
		if num, err := strconv.Atoi(value[start:]); err == nil {
			return num, true
		}
	}
	return 0, false
}

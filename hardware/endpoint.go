package hardware

import (
	"fmt"
	"io"
	"strings"

	"go.bug.st/serial"

	"github.com/electricautomaticchile/Websocket-api/errors"
)

// Endpoint is an open physical link carrying newline-delimited frames
type Endpoint interface {
	io.ReadWriteCloser
}

// Discoverer enumerates candidate endpoints and opens one. The serial
// implementation is the production path; tests substitute an in-memory
// pipe.
type Discoverer interface {
	// Discover returns an open endpoint and its name
	Discover() (Endpoint, string, error)
}

// SerialConfig selects and configures the physical serial endpoint
type SerialConfig struct {
	// PortPrefix filters enumerated ports, e.g. /dev/ttyUSB
	PortPrefix string `yaml:"port_prefix"`
	// BaudRate is the line speed
	BaudRate int `yaml:"baud_rate"`
}

// DefaultSerialConfig returns the defaults for a USB-attached meter
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		PortPrefix: "/dev/ttyUSB",
		BaudRate:   115200,
	}
}

// serialDiscoverer opens the first enumerated port matching the prefix
type serialDiscoverer struct {
	cfg SerialConfig
}

// NewSerialDiscoverer creates the production serial discoverer
func NewSerialDiscoverer(cfg SerialConfig) Discoverer {
	return &serialDiscoverer{cfg: cfg}
}

func (d *serialDiscoverer) Discover() (Endpoint, string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, "", errors.WrapTransient(err, "serialDiscoverer", "Discover", "enumerate ports")
	}

	for _, name := range ports {
		if d.cfg.PortPrefix != "" && !strings.HasPrefix(name, d.cfg.PortPrefix) {
			continue
		}
		port, err := serial.Open(name, &serial.Mode{BaudRate: d.cfg.BaudRate})
		if err != nil {
			continue
		}
		return port, name, nil
	}

	return nil, "", errors.WrapTransient(errors.ErrNoEndpoint, "serialDiscoverer", "Discover",
		fmt.Sprintf("no openable port with prefix %q", d.cfg.PortPrefix))
}

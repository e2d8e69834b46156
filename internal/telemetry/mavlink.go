package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"go.bug.st/serial"
)

const (
	// invalidCoordinate is reported by the autopilot for an unknown lat/lon
	invalidCoordinate = 0x7FFFFFFF

	// outSystemID identifies this node on the MAVLink network
	outSystemID = 191
)

// mavlinkSource decodes MAVLink frames received on a serial port
type mavlinkSource struct {
	node *gomavlib.Node
}

// OpenMAVLink returns an Opener for the MAVLink telemetry link on a serial device.
func OpenMAVLink(device string, opts PortOptions) Opener {
	return func(context.Context) (Source, error) {
		mode, err := opts.SerialMode()
		if err != nil {
			return nil, fmt.Errorf("serial options: %w", err)
		}

		port, err := serial.Open(device, mode)
		if err != nil {
			return nil, fmt.Errorf("%w: opening %s: %w", ErrTelemetryUnavailable, device, err)
		}

		return newMAVLinkSource(port)
	}
}

func newMAVLinkSource(rwc io.ReadWriteCloser) (*mavlinkSource, error) {
	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints: []gomavlib.EndpointConf{
			gomavlib.EndpointCustom{ReadWriteCloser: rwc},
		},
		Dialect:          common.Dialect,
		OutVersion:       gomavlib.V2,
		OutSystemID:      outSystemID,
		HeartbeatDisable: true,
	})
	if err != nil {
		_ = rwc.Close()
		return nil, fmt.Errorf("%w: creating mavlink node: %w", ErrTelemetryUnavailable, err)
	}

	return &mavlinkSource{node: node}, nil
}

// Recv returns the next telemetry message the listener cares about.
// Frames of other message types are skipped within the same wait.
func (s *mavlinkSource) Recv(ctx context.Context, timeout time.Duration) (Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timer.C:
			return nil, ErrReceiveTimeout

		case evt, ok := <-s.node.Events():
			if !ok {
				return nil, fmt.Errorf("%w: event stream closed", ErrTelemetryUnavailable)
			}

			switch e := evt.(type) {
			case *gomavlib.EventFrame:
				if msg, ok := decodeMessage(e.Message()); ok {
					return msg, nil
				}

			case *gomavlib.EventChannelClose:
				return nil, fmt.Errorf("%w: serial channel closed", ErrTelemetryUnavailable)
			}
		}
	}
}

func (s *mavlinkSource) Close() error {
	s.node.Close()
	return nil
}

// decodeMessage maps MAVLink messages onto telemetry messages.
func decodeMessage(msg message.Message) (Message, bool) {
	switch m := msg.(type) {
	case *common.MessageHeartbeat:
		return Heartbeat{}, true

	case *common.MessageGpsRawInt:
		if !validCoordinate(m.Lat) {
			// no usable coordinates is the same as no fix
			return PositionFix{FixQuality: 0}, true
		}
		return PositionFix{
			Latitude:   float64(m.Lat) / 1e7,
			Longitude:  float64(m.Lon) / 1e7,
			Altitude:   float64(m.Alt) / 1000,
			FixQuality: int(m.FixType),
		}, true

	case *common.MessageGlobalPositionInt:
		if !validCoordinate(m.Lat) {
			return nil, false
		}
		return PositionFix{
			Latitude:  float64(m.Lat) / 1e7,
			Longitude: float64(m.Lon) / 1e7,
			Altitude:  float64(m.Alt) / 1000,
			Fused:     true,
		}, true

	case *common.MessageAttitude:
		return Attitude{
			Roll:  float64(m.Roll),
			Pitch: float64(m.Pitch),
			Yaw:   float64(m.Yaw),
		}, true

	case *common.MessageVfrHud:
		return Motion{
			GroundSpeed: float64(m.Groundspeed),
			ClimbRate:   float64(m.Climb),
		}, true
	}

	return nil, false
}

func validCoordinate(lat int32) bool {
	return lat != 0 && lat != invalidCoordinate
}

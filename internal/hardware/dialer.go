package hardware

import (
	"context"
	"fmt"
	"io"
	"net"

	"go.bug.st/serial"
)

// Dialer opens the physical link to the positioner controller.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// TCPDialer reaches a controller behind a serial-to-network bridge.
type TCPDialer struct {
	Address string
}

func (d TCPDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.Address, err)
	}
	return conn, nil
}

// SerialDialer opens a local serial device (8N1).
type SerialDialer struct {
	Port string
	Baud int
}

func (d SerialDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	baud := d.Baud
	if baud <= 0 {
		baud = 9600
	}
	p, err := serial.Open(d.Port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", d.Port, err)
	}
	return p, nil
}

// NewDialer picks a dialer for the configured transport ("tcp" or "serial").
func NewDialer(transport, address string, baud int) (Dialer, error) {
	switch transport {
	case "tcp", "":
		return TCPDialer{Address: address}, nil
	case "serial":
		return SerialDialer{Port: address, Baud: baud}, nil
	default:
		return nil, fmt.Errorf("unknown tracker transport %q", transport)
	}
}

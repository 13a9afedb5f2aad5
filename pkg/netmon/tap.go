/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package netmon

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// Tap captures IPv4 traffic through an AF_PACKET socket and feeds every
// TCP packet to the inspector. SOCK_DGRAM delivery strips the link-layer
// header so the read buffer starts at the IP header.
type Tap struct {
	inspector *Inspector
	logger    logr.Logger
	iface     string

	mu     sync.Mutex
	fd     int
	closed bool
	done   chan struct{}
}

// NewTap creates a capture tap. An empty iface captures on all interfaces.
func NewTap(inspector *Inspector, logger logr.Logger, iface string) *Tap {
	return &Tap{
		inspector: inspector,
		logger:    logger.WithName("tap"),
		iface:     iface,
		fd:        -1,
	}
}

// htons converts a short to network byte order for the socket protocol
// field.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// Start opens the capture socket and launches the read loop. Requires
// CAP_NET_RAW.
func (t *Tap) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errors.New("tap closed")
	}
	if t.fd >= 0 {
		return nil
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM, int(htons(unix.ETH_P_IP)))
	if err != nil {
		return fmt.Errorf("open packet socket: %w", err)
	}

	if t.iface != "" {
		ifi, err := net.InterfaceByName(t.iface)
		if err != nil {
			unix.Close(fd)
			return fmt.Errorf("resolve interface %s: %w", t.iface, err)
		}
		sa := &unix.SockaddrLinklayer{
			Protocol: htons(unix.ETH_P_IP),
			Ifindex:  ifi.Index,
		}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return fmt.Errorf("bind to %s: %w", t.iface, err)
		}
	}

	t.fd = fd
	t.done = make(chan struct{})
	go t.readLoop(fd, t.done)

	t.logger.Info("packet capture started", "interface", t.iface)
	return nil
}

// readLoop receives packets until the socket is closed underneath it.
func (t *Tap) readLoop(fd int, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 1<<16)
	for {
		n, from, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			// EBADF after Close is the normal shutdown path.
			return
		}
		if n <= 0 {
			continue
		}

		dir := Inbound
		if sll, ok := from.(*unix.SockaddrLinklayer); ok && sll.Pkttype == unix.PACKET_OUTGOING {
			dir = Outbound
		}

		pkt, err := ParseIPv4(buf[:n])
		if err != nil {
			t.logger.V(1).Info("unparseable packet", "error", err.Error())
			continue
		}
		if pkt == nil {
			continue
		}
		t.inspector.Inspect(dir, pkt)
	}
}

// Close stops the capture and waits for the read loop to exit. Safe to
// call repeatedly and without a prior Start.
func (t *Tap) Close() error {
	t.mu.Lock()
	t.closed = true
	fd := t.fd
	done := t.done
	t.fd = -1
	t.done = nil
	t.mu.Unlock()

	if fd < 0 {
		return nil
	}
	err := unix.Close(fd)
	if done != nil {
		<-done
	}
	return err
}

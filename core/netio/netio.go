// SPDX-FileCopyrightText: © 2024 Assimilation Project Contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package netio implements NetIO (spec.md §4.6, component C6): the UDP
// transport that turns FrameSets into datagrams and back and joins
// multicast groups for discovery traffic. NetIO runs no goroutine of its
// own: Recv blocks its caller, and core/fsprotocol drives the receive loop.
package netio

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/assimilation-project/nanoprobe/core/log"
	"github.com/assimilation-project/nanoprobe/core/metrics"
	"github.com/assimilation-project/nanoprobe/core/netaddr"
	"github.com/assimilation-project/nanoprobe/core/wire/decoder"
	"github.com/assimilation-project/nanoprobe/core/wire/frameset"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// maxDatagram is the largest UDP payload NetIO will read in one Recv call;
// the assimilation wire format never fragments a FrameSet across
// datagrams (spec.md §6).
const maxDatagram = 65507

// ErrAddrInUse is returned by New when bindAddr is already bound by
// another socket (spec.md §4.6 bind: "Ok | EAddrInUse").
var ErrAddrInUse = errors.New("netio: address in use")

// BindOptions configures New's bind behavior (spec.md §4.6 bind,
// §7 ephemeral-port fallback).
type BindOptions struct {
	// SilentOnError suppresses New's own logging of a bind failure; the
	// caller is expected to report it itself (spec.md §4.6
	// silent_on_error).
	SilentOnError bool
	// FallbackToEphemeral retries the bind on an OS-chosen ephemeral port
	// (same host, port 0) when bindAddr is already in use, instead of
	// returning ErrAddrInUse (spec.md §7: "caller may retry on an
	// ephemeral port... falls back automatically when configured to do
	// so").
	FallbackToEphemeral bool
}

// Packet pairs a decoded datagram's source address with its FrameSets.
type Packet struct {
	Source netaddr.NetAddr
	Sets   []*frameset.FrameSet
}

// LossInjector is consulted by Recv before decoding; returning true drops
// the datagram as if it had never arrived. It exists purely for tests that
// exercise FsProtocol's retransmission path (spec.md §8 scenario 3).
type LossInjector func(src netaddr.NetAddr) bool

// NetIO binds one UDP socket and multiplexes send/receive through it.
type NetIO struct {
	conn    *net.UDPConn
	pconn4  *ipv4.PacketConn
	pconn6  *ipv6.PacketConn
	decoder *decoder.Decoder
	metrics *metrics.Collector
	log     *log.Logger

	dropNext LossInjector

	localAddr netaddr.NetAddr

	aliasMu sync.RWMutex
	aliases map[string]netaddr.NetAddr
}

// New binds a UDP socket at bindAddr (host:port, "" host means all
// interfaces) and wires it to dec for inbound decode and m for counters.
func New(bindAddr string, opts BindOptions, dec *decoder.Decoder, m *metrics.Collector, logger *log.Logger) (*NetIO, error) {
	udpAddr, conn, local, err := bindUDP(bindAddr)
	if err != nil {
		if !errors.Is(err, ErrAddrInUse) {
			return nil, err
		}
		if !opts.SilentOnError && logger != nil {
			logger.Warn("netio: bind failed, address in use", "addr", bindAddr)
		}
		if !opts.FallbackToEphemeral {
			return nil, err
		}
		ephemeral, ferr := ephemeralOf(bindAddr)
		if ferr != nil {
			return nil, ferr
		}
		if logger != nil {
			logger.Info("netio: retrying bind on an ephemeral port", "requested", bindAddr, "retry", ephemeral)
		}
		udpAddr, conn, local, err = bindUDP(ephemeral)
		if err != nil {
			return nil, err
		}
	}
	n := &NetIO{
		conn:      conn,
		decoder:   dec,
		metrics:   m,
		log:       logger,
		localAddr: local,
		aliases:   make(map[string]netaddr.NetAddr),
	}
	if udpAddr.IP == nil || udpAddr.IP.To4() != nil {
		n.pconn4 = ipv4.NewPacketConn(conn)
	}
	if udpAddr.IP == nil || udpAddr.IP.To4() == nil {
		n.pconn6 = ipv6.NewPacketConn(conn)
	}
	return n, nil
}

// bindUDP resolves and binds addr, wrapping an address-in-use failure as
// ErrAddrInUse so callers can distinguish it from other resolve/listen
// errors (spec.md §4.6 bind).
func bindUDP(addr string) (*net.UDPAddr, *net.UDPConn, netaddr.NetAddr, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, nil, netaddr.NetAddr{}, fmt.Errorf("netio: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, nil, netaddr.NetAddr{}, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
		}
		return nil, nil, netaddr.NetAddr{}, fmt.Errorf("netio: listen %q: %w", addr, err)
	}
	local, err := netaddr.FromUDPAddr(conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		conn.Close()
		return nil, nil, netaddr.NetAddr{}, err
	}
	return udpAddr, conn, local, nil
}

// ephemeralOf rewrites addr's port to 0 so the OS picks an ephemeral port
// on the same host (spec.md §7 ephemeral-port fallback).
func ephemeralOf(addr string) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("netio: split %q: %w", addr, err)
	}
	return net.JoinHostPort(host, "0"), nil
}

// AddAlias rewrites the reported source address of any datagram arriving
// from "from" to "to" before Recv returns it (spec.md §4.6 C6
// add_alias(from_addr, to_addr)). It is used when a peer's traffic is
// observed to arrive from a different address than the one it is known
// by (e.g. NAT, or a secondary interface).
func (n *NetIO) AddAlias(from, to netaddr.NetAddr) {
	n.aliasMu.Lock()
	defer n.aliasMu.Unlock()
	n.aliases[from.Key()] = to
}

func (n *NetIO) resolveAlias(src netaddr.NetAddr) netaddr.NetAddr {
	n.aliasMu.RLock()
	defer n.aliasMu.RUnlock()
	if to, ok := n.aliases[src.Key()]; ok {
		return to
	}
	return src
}

// LocalAddr returns the bound local address.
func (n *NetIO) LocalAddr() netaddr.NetAddr { return n.localAddr }

// SetLossInjector installs (or clears, with nil) a test-only packet-loss
// hook (spec.md §8: simulate network loss to exercise retransmission).
func (n *NetIO) SetLossInjector(fn LossInjector) {
	n.dropNext = fn
}

// JoinMulticast joins the named multicast group on the given network
// interface, using golang.org/x/net/ipv4 or ipv6 depending on the group's
// address family (spec.md §4.6: discovery traffic travels over multicast
// group membership maintained by NetIO).
func (n *NetIO) JoinMulticast(group net.IP, ifi *net.Interface) error {
	if group.To4() != nil {
		if n.pconn4 == nil {
			return errors.New("netio: socket is not bound to an IPv4 address")
		}
		return n.pconn4.JoinGroup(ifi, &net.UDPAddr{IP: group})
	}
	if n.pconn6 == nil {
		return errors.New("netio: socket is not bound to an IPv6 address")
	}
	return n.pconn6.JoinGroup(ifi, &net.UDPAddr{IP: group})
}

// LeaveMulticast reverses JoinMulticast.
func (n *NetIO) LeaveMulticast(group net.IP, ifi *net.Interface) error {
	if group.To4() != nil {
		if n.pconn4 == nil {
			return errors.New("netio: socket is not bound to an IPv4 address")
		}
		return n.pconn4.LeaveGroup(ifi, &net.UDPAddr{IP: group})
	}
	if n.pconn6 == nil {
		return errors.New("netio: socket is not bound to an IPv6 address")
	}
	return n.pconn6.LeaveGroup(ifi, &net.UDPAddr{IP: group})
}

// Send marshals fs with env and writes the result to dest in one
// datagram (spec.md §4.6 send_one).
func (n *NetIO) Send(dest netaddr.NetAddr, fs *frameset.FrameSet, env frameset.Envelope) error {
	out, err := fs.Marshal(env)
	if err != nil {
		return fmt.Errorf("netio: marshal: %w", err)
	}
	if _, err := n.conn.WriteToUDP(out, dest.UDPAddr()); err != nil {
		return fmt.Errorf("netio: write to %s: %w", dest, err)
	}
	if n.metrics != nil {
		n.metrics.PacketsSent.Inc()
	}
	return nil
}

// Recv blocks for exactly one datagram, decodes it, and returns the
// source address and its FrameSets (possibly zero if every frameset in
// the datagram was dropped as malformed). It returns an error only for a
// socket-level failure (closed socket, OS error), never for a malformed
// packet (spec.md §4.5: per-frameset drop, not per-datagram failure).
func (n *NetIO) Recv() (*Packet, error) {
	buf := make([]byte, maxDatagram)
	for {
		nRead, src, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			return nil, err
		}
		srcAddr, err := netaddr.FromUDPAddr(src)
		if err != nil {
			continue
		}
		srcAddr = n.resolveAlias(srcAddr)
		if n.dropNext != nil && n.dropNext(srcAddr) {
			if n.log != nil {
				n.log.Debug("dropping datagram via loss injector", "src", srcAddr.String())
			}
			continue
		}
		if n.metrics != nil {
			n.metrics.PacketsReceived.Inc()
		}
		sets := n.decoder.Decode(buf[:nRead])
		return &Packet{Source: srcAddr, Sets: sets}, nil
	}
}

// Close releases the underlying socket.
func (n *NetIO) Close() error {
	return n.conn.Close()
}

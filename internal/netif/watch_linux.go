//go:build linux

package netif

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// watchChanges subscribes to rtnetlink link and address groups and calls
// onChange for every datagram received.
func watchChanges(ctx context.Context, onChange func()) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("netlink socket: %w", err)
	}
	defer unix.Close(fd)

	sa := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: unix.RTMGRP_LINK | unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR,
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fmt.Errorf("netlink bind: %w", err)
	}

	buf := make([]byte, 16*1024)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := unix.Poll(fds, 500)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("netlink poll: %w", err)
		}
		if n == 0 {
			continue
		}
		nr, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return fmt.Errorf("netlink recv: %w", err)
		}
		if nr >= unix.SizeofNlMsghdr {
			onChange()
		}
	}
}

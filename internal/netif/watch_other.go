//go:build !linux

package netif

import "context"

func watchChanges(ctx context.Context, onChange func()) error {
	return errNoWatcher
}

// Package channels describes the logical broadcast channels served by the
// queue. The registry is built once at start-up and read-only thereafter.
package channels

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
)

// Channel identifiers. Identifier 2 belonged to a retired channel and is
// intentionally absent.
const (
	User   = 1
	Auth   = 3
	Gossip = 4
	BtcSrc = 5
)

// Permission names accepted on the user surface.
const (
	PermGet    = "get"
	PermPost   = "post"
	PermDelete = "delete"
)

const defaultTxConfirmTimeout = 60 * time.Second

// Info describes one logical channel.
type Info struct {
	ID int
	// Name is both the human name and the broker topic for the channel.
	Name string
	// UserPermissions lists the operations users may perform. Channels
	// without "post" only accept uploads through the admin surface.
	UserPermissions []string
	// TxRate is the transmit rate in bytes per second, used to size
	// retransmission timeouts.
	TxRate int64
	// MaxMsgSize is the maximum message payload in bytes.
	MaxMsgSize int64
	// TxConfirmTimeout is how long to wait for Tx confirmations before a
	// retransmission decision.
	TxConfirmTimeout time.Duration
}

// RequiresPayment reports whether messages on the channel must be paid by
// the user. Channels users can post on necessarily require payment.
func (c Info) RequiresPayment() bool {
	return c.HasPermission(PermPost)
}

// HasPermission reports whether the user surface allows the operation.
func (c Info) HasPermission(perm string) bool {
	for _, p := range c.UserPermissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Registry is the static channel table.
type Registry struct {
	byID map[int]Info
	ids  []int
}

// Default returns the built-in channel registry.
func Default() *Registry {
	return newRegistry([]Info{
		{
			ID:               User,
			Name:             "transmissions",
			UserPermissions:  []string{PermGet, PermPost, PermDelete},
			TxRate:           1000,
			MaxMsgSize:       1 << 20,
			TxConfirmTimeout: defaultTxConfirmTimeout,
		},
		{
			ID:               Auth,
			Name:             "auth",
			UserPermissions:  nil,
			TxRate:           125,
			MaxMsgSize:       1 << 20,
			TxConfirmTimeout: defaultTxConfirmTimeout,
		},
		{
			ID:               Gossip,
			Name:             "gossip",
			UserPermissions:  []string{PermGet},
			TxRate:           500,
			MaxMsgSize:       1_800_000, // tx over 1h at 500 bytes/sec
			TxConfirmTimeout: 5 * time.Minute,
		},
		{
			ID:               BtcSrc,
			Name:             "btc-src",
			UserPermissions:  []string{PermGet},
			TxRate:           500,
			MaxMsgSize:       16_200_000, // tx over 9h at 500 bytes/sec
			TxConfirmTimeout: 5 * time.Minute,
		},
	})
}

func newRegistry(infos []Info) *Registry {
	r := &Registry{byID: make(map[int]Info, len(infos))}
	for _, info := range infos {
		r.byID[info.ID] = info
		r.ids = append(r.ids, info.ID)
	}
	sort.Ints(r.ids)
	return r
}

// Lookup returns the channel with the given identifier.
func (r *Registry) Lookup(id int) (Info, bool) {
	info, ok := r.byID[id]
	return info, ok
}

// IDs returns all channel identifiers in ascending order.
func (r *Registry) IDs() []int {
	out := make([]int, len(r.ids))
	copy(out, r.ids)
	return out
}

// Valid reports whether id names a configured channel.
func (r *Registry) Valid(id int) bool {
	_, ok := r.byID[id]
	return ok
}

// overrideFile is the TOML shape of a channel tuning override file. Only
// rates and timeouts are tunable; channel identity and permissions are
// fixed in code.
type overrideFile struct {
	Channels map[string]channelOverride `toml:"channels"`
}

type channelOverride struct {
	TxRate               int64 `toml:"tx_rate"`
	MaxMsgSize           int64 `toml:"max_msg_size"`
	TxConfirmTimeoutSecs int64 `toml:"tx_confirm_timeout_secs"`
}

// LoadOverrides applies per-channel tuning from a TOML file to the
// registry. Unknown channel names are rejected.
func (r *Registry) LoadOverrides(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read channel overrides: %w", err)
	}
	var file overrideFile
	if err := toml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse channel overrides: %w", err)
	}
	for name, ov := range file.Channels {
		id, found := 0, false
		for _, cid := range r.ids {
			if r.byID[cid].Name == name {
				id, found = cid, true
				break
			}
		}
		if !found {
			return fmt.Errorf("channel overrides: unknown channel %q", name)
		}
		info := r.byID[id]
		if ov.TxRate > 0 {
			info.TxRate = ov.TxRate
		}
		if ov.MaxMsgSize > 0 {
			info.MaxMsgSize = ov.MaxMsgSize
		}
		if ov.TxConfirmTimeoutSecs > 0 {
			info.TxConfirmTimeout = time.Duration(ov.TxConfirmTimeoutSecs) * time.Second
		}
		r.byID[id] = info
	}
	return nil
}

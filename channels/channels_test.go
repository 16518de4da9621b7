package channels

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	reg := Default()
	require.Equal(t, []int{User, Auth, Gossip, BtcSrc}, reg.IDs())

	user, ok := reg.Lookup(User)
	require.True(t, ok)
	require.Equal(t, "transmissions", user.Name)
	require.True(t, user.RequiresPayment())
	require.True(t, user.HasPermission(PermDelete))
	require.Equal(t, int64(1<<20), user.MaxMsgSize)
	require.Equal(t, 60*time.Second, user.TxConfirmTimeout)

	auth, ok := reg.Lookup(Auth)
	require.True(t, ok)
	require.False(t, auth.RequiresPayment())
	require.False(t, auth.HasPermission(PermGet))
	require.Equal(t, int64(125), auth.TxRate)

	gossip, ok := reg.Lookup(Gossip)
	require.True(t, ok)
	require.False(t, gossip.RequiresPayment())
	require.True(t, gossip.HasPermission(PermGet))
	require.Equal(t, int64(1_800_000), gossip.MaxMsgSize)
	require.Equal(t, 5*time.Minute, gossip.TxConfirmTimeout)

	btc, ok := reg.Lookup(BtcSrc)
	require.True(t, ok)
	require.Equal(t, int64(16_200_000), btc.MaxMsgSize)

	require.False(t, reg.Valid(2))
}

func TestPaymentFollowsPostPermission(t *testing.T) {
	reg := Default()
	for _, id := range reg.IDs() {
		info, _ := reg.Lookup(id)
		require.Equal(t, info.HasPermission(PermPost), info.RequiresPayment(),
			"channel %d", id)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.toml")
	content := `
[channels.gossip]
tx_rate = 750
tx_confirm_timeout_secs = 120

[channels.btc-src]
max_msg_size = 20000000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	reg := Default()
	require.NoError(t, reg.LoadOverrides(path))

	gossip, _ := reg.Lookup(Gossip)
	require.Equal(t, int64(750), gossip.TxRate)
	require.Equal(t, 2*time.Minute, gossip.TxConfirmTimeout)
	// Untouched fields keep their defaults.
	require.Equal(t, int64(1_800_000), gossip.MaxMsgSize)

	btc, _ := reg.Lookup(BtcSrc)
	require.Equal(t, int64(20_000_000), btc.MaxMsgSize)
	require.Equal(t, int64(500), btc.TxRate)
}

func TestLoadOverridesUnknownChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "channels.toml")
	require.NoError(t, os.WriteFile(path, []byte("[channels.nope]\ntx_rate = 1\n"), 0o600))
	require.Error(t, Default().LoadOverrides(path))
}

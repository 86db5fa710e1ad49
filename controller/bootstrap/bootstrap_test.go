package bootstrap

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yaron8/buffer-sizing/controller/config"
	"github.com/yaron8/buffer-sizing/link"
)

const twoLinkTopology = `
routers:
  - name: edge
    capture_addr: 127.0.0.1:0
    command_addr: 127.0.0.1:0
    generator_addr: 127.0.0.1:0
    links:
      - id: nf0
        queue: 1
        rtt_ms: 50
        num_flows: 100
      - id: nf1
        queue: 2
        rtt_ms: 80
        num_flows: 10
`

// tests that only the first link of a router drives its traffic generator
func TestNew_GeneratorOwnedByFirstLink(t *testing.T) {
	cfg, err := config.Load(viper.New())
	require.NoError(t, err)
	cfg.Topology, err = config.ParseTopology([]byte(twoLinkTopology))
	require.NoError(t, err)

	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	controllers := b.Controllers()
	require.Len(t, controllers, 2)

	// nobody is connected, so the owner fails on the channel instead
	err = controllers[0].SetTargetRate(1_000_000)
	require.Error(t, err)
	assert.NotErrorIs(t, err, link.ErrNoGenerator)

	assert.ErrorIs(t, controllers[1].SetTargetRate(1_000_000), link.ErrNoGenerator)

	// the second link still tracks its own flow count for sizing
	require.NoError(t, controllers[1].SetNumFlows(20))
	assert.Equal(t, 20, controllers[1].Link().Status().NumFlows)
}

package dfs

// background.go implements BackgroundJob (spec.md section 6): a single
// worker loop, ticking once a second, that refreshes this node's external
// address via UPnP (falling back to a broadcast ping/pong round-trip, since
// this package has no centralized external-IP service of its own to query)
// and sweeps listening orders whose announcement has aged past
// announcementTTL into FindReplicaKeepers. A panic anywhere in a tick is
// recovered and logged rather than left to crash the loop (section 7).
// Grounded on
// _examples/NebulousLabs-Sia/modules/gateway/upnp.go's
// threadedLearnHostname: same upnp.DiscoverCtx/ExternalIP call, same
// threads.Add/Done/StopChan bracketing, same build.Release == "testing"
// skip.

import (
	"context"
	"time"

	upnp "github.com/NebulousLabs/go-upnp"

	"github.com/luxfs/storaged/build"
	"github.com/luxfs/storaged/modules"
)

// BackgroundJob runs until Close is called, refreshing the node's external
// address and triggering keeper selection for orders whose announcement
// window has expired. Section 7 requires that no exception escape this
// loop: every step here is infallible from the caller's point of view,
// logging and continuing rather than returning an error.
func (c *Controller) BackgroundJob() error {
	if err := c.tg.Add(); err != nil {
		return nil
	}
	defer c.tg.Done()

	ticker := time.NewTicker(backgroundTickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.tg.StopChan():
			return nil
		case <-ticker.C:
			c.runTick()
		}
	}
}

// runTick runs one background tick, recovering from any panic raised along
// the way (a heap invariant violation such as storage.Heap's reserve panic,
// reached via reapExpiredAnnouncements -> FindReplicaKeepers ->
// AcceptProposal -> sendReplica -> tempHeap.AllocateFile) so that nothing
// escapes BackgroundJob's loop per section 7: logged via the controller's
// persist.Logger and the loop continues.
func (c *Controller) runTick() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Critical("background tick panicked:", r)
		}
	}()
	c.refreshExternalAddress()
	c.reapExpiredAnnouncements()
}

// refreshExternalAddress rediscovers this node's external address via UPnP
// (falling back to a broadcast ping, whose pong replies populate
// externalAddr through HandlePong) whenever the last discovered address is
// unknown or older than externalAddrMaxAge.
func (c *Controller) refreshExternalAddress() {
	c.mu.Lock()
	stale := c.externalAddr == "" || time.Since(c.externalAddrTime) > externalAddrMaxAge
	c.mu.Unlock()
	if !stale || build.Release == "testing" {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.tg.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	d, err := upnp.DiscoverCtx(ctx)
	if err != nil {
		c.broadcastPing()
		return
	}
	host, err := d.ExternalIP()
	if err != nil {
		c.broadcastPing()
		return
	}

	addr := modules.NetAddress(host).WithPort(c.cfg.ListenPort)
	if err := addr.IsValid(); err != nil {
		c.log.Printf("WARN: discovered external address %q is invalid: %v", addr, err)
		c.broadcastPing()
		return
	}

	c.mu.Lock()
	c.externalAddr = addr
	c.externalAddrTime = time.Now()
	c.mu.Unlock()
}

// broadcastPing asks every connected peer to echo our observed address back
// as a pong, which HandlePong records.
func (c *Controller) broadcastPing() {
	if err := c.net.Broadcast("ping", modules.ZeroURI, c.net.ExternalAddress()); err != nil {
		c.log.Println("WARN: could not broadcast ping:", err)
	}
}

// reapExpiredAnnouncements sweeps every order still listening for proposals
// whose announcement is more than announcementTTL old, and hands each to
// FindReplicaKeepers before it stops listening.
func (c *Controller) reapExpiredAnnouncements() {
	threshold := time.Now().Add(-announcementTTL).Unix()

	c.mu.Lock()
	listening := c.proposals.GetListenProposals()
	c.mu.Unlock()

	for _, orderHash := range listening {
		order, ok := c.GetAnnounce(orderHash)
		if !ok || order.Time >= threshold {
			continue
		}
		c.FindReplicaKeepers(order, c.cfg.Keepers)

		c.mu.Lock()
		c.proposals.StopListenProposal(orderHash)
		c.mu.Unlock()
	}
}

package node

import (
	"raftkv/internal/pubsub"
	"raftkv/internal/raft/server"
)

// watchEvents logs the leadership changes of the server and the failure that halts it. The watcher exits once
// close unsubscribes it.
func (n *Node) watchEvents() {
	elected := make(chan *pubsub.Event[server.TermPayload], 8)
	steppedDown := make(chan *pubsub.Event[server.TermPayload], 8)
	halted := make(chan *pubsub.Event[error], 1)

	electedID := pubsub.Subscribe(n.events, server.LeaderElected, elected, pubsub.SubscriptionOptions{})
	steppedDownID := pubsub.Subscribe(n.events, server.SteppedDown, steppedDown, pubsub.SubscriptionOptions{})
	// Never dropped, the halt is published once
	haltedID := pubsub.Subscribe(n.events, server.ServerHalted, halted, pubsub.SubscriptionOptions{IsBlocking: true})
	n.unwatch = func() {
		n.events.Unsubscribe(server.LeaderElected, electedID)
		n.events.Unsubscribe(server.SteppedDown, steppedDownID)
		n.events.Unsubscribe(server.ServerHalted, haltedID)
	}

	n.watchers.Add(1)
	go func() {
		defer n.watchers.Done()
		for elected != nil || steppedDown != nil || halted != nil {
			select {
			case e, ok := <-elected:
				if !ok {
					elected = nil
					continue
				}
				n.logger.WithField("term", e.Payload.Term).Info("Elected leader")
			case e, ok := <-steppedDown:
				if !ok {
					steppedDown = nil
					continue
				}
				n.logger.WithField("term", e.Payload.Term).Info("Stepped down")
			case e, ok := <-halted:
				if !ok {
					halted = nil
					continue
				}
				n.logger.WithError(e.Payload).Error("Server halted, the node no longer takes part in consensus")
			}
		}
	}()
}

package server

import (
	"time"

	"raftkv/internal/pubsub"
)

// Orchestrator orchestrates and monitors the behavior of a Server, turning the events of its background jobs into
// elections and heartbeats.
type Orchestrator struct {
	// A channel where a signal is sent once the ElectionTimeout of a server expires. This channel is buffered.
	electionTimeoutExpiredChan chan *pubsub.Event[time.Time]
	// A channel receiving a HeartbeatTick every HeartbeatInterval
	heartbeatTickChan chan *pubsub.Event[struct{}]
	// A channel where a shutdown signal is received. It signals that the Orchestrator running in a goroutine should
	// exit. This channel is buffered.
	shutDownChan chan *pubsub.Event[struct{}]

	pubSub *pubsub.PubSubClient
	// The server that is orchestrated.
	server *Server
}

// Run Runs the Orchestrator for a given Server. It should be executed as a goroutine.
func (o *Orchestrator) Run() {
	for {
		select {
		case <-o.electionTimeoutExpiredChan:
			// BeginElection ignores the event when we are the Leader, which prevents a Leader from mistakenly
			// starting an election.
			o.server.BeginElection()
		case <-o.heartbeatTickChan:
			o.server.heartbeat()
		case <-o.shutDownChan:
			return
		}
	}
}

func NewOrchestrator(pubSub *pubsub.PubSubClient, server *Server) *Orchestrator {
	o := &Orchestrator{
		electionTimeoutExpiredChan: make(chan *pubsub.Event[time.Time], 1),
		heartbeatTickChan:          make(chan *pubsub.Event[struct{}], 1),
		shutDownChan:               make(chan *pubsub.Event[struct{}], 1),
		pubSub:                     pubSub,
		server:                     server,
	}

	pubsub.Subscribe(pubSub, ServerShutDown, o.shutDownChan, pubsub.SubscriptionOptions{IsBlocking: true})
	// Ticks are dropped while the previous one is still being handled
	pubsub.Subscribe(pubSub, ElectionTimeoutExpired, o.electionTimeoutExpiredChan, pubsub.SubscriptionOptions{IsBlocking: false})
	pubsub.Subscribe(pubSub, HeartbeatTick, o.heartbeatTickChan, pubsub.SubscriptionOptions{IsBlocking: false})

	return o
}

package server

import (
	"time"

	"raftkv/internal/pubsub"
	"raftkv/internal/raft"

	log "github.com/sirupsen/logrus"
)

/*
In this file we define all Background jobs that could run in a given Server. Each job is handed a channel subscribed
to ServerShutDown events in order to exit gracefully, and prevent go routine leakage.
See: https://medium.com/@srajsonu/understanding-and-preventing-goroutine-leaks-in-go-623cac542954
*/

// serverCtx identifies the server a job runs for in its logs
type serverCtx struct {
	ID   raft.ServerID
	Addr raft.ServerAddress
}

// subscribeShutdown returns a channel that receives the ServerShutDown event. The subscription is blocking, so the
// event is never dropped.
func subscribeShutdown(pubSub *pubsub.PubSubClient) chan *pubsub.Event[struct{}] {
	stopJobCh := make(chan *pubsub.Event[struct{}], 1)
	pubsub.Subscribe(pubSub, ServerShutDown, stopJobCh, pubsub.SubscriptionOptions{IsBlocking: true})
	return stopJobCh
}

// TrackElectionTimeoutJob tracks the election timeout of a given server. It should be called as a goroutine.
// NOTE: The listener of ElectionTimeoutExpired must call timer.Reset() to restart the timer, otherwise this job
// will be blocked until the timer is reset or a signal is received on stopJobCh.
func TrackElectionTimeoutJob(ctx serverCtx, electionTimeoutTimer *time.Timer, pubSub *pubsub.PubSubClient,
	stopJobCh chan *pubsub.Event[struct{}]) {
	logger := log.WithField("server", ctx.ID)
	logger.Debug("[JOB] Started TrackElectionTimeoutJob")

	for {
		select {
		case expiredTime := <-electionTimeoutTimer.C:
			logger.Debugf("[JOB] Election timeout expired at %v, publishing event", expiredTime.Format(time.RFC3339Nano))
			pubsub.Publish(pubSub, pubsub.NewEvent(ElectionTimeoutExpired, expiredTime))
			// Once the timer expires, the timer.C channel will NOT receive any values again, until Reset() is called
			// externally. This loop will now block until the next expiration of the timer after Reset has been called.
		case <-stopJobCh:
			// Stop the timer and exit the goroutine
			logger.Debug("[JOB] Stopping TrackElectionTimeoutJob")
			electionTimeoutTimer.Stop()
			return
		}
	}
}

// HeartbeatJob publishes a HeartbeatTick every interval. It should be called as a goroutine. Only leaders act on
// the ticks.
func HeartbeatJob(ctx serverCtx, interval time.Duration, pubSub *pubsub.PubSubClient,
	stopJobCh chan *pubsub.Event[struct{}]) {
	logger := log.WithField("server", ctx.ID)
	logger.Debugf("[JOB] Started HeartbeatJob every %v", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pubsub.Publish(pubSub, pubsub.NewEvent(HeartbeatTick, struct{}{}))
		case <-stopJobCh:
			logger.Debug("[JOB] Stopping HeartbeatJob")
			return
		}
	}
}

package raft

import (
	"math/rand"
	"time"
)

// RandomElectionTimeout picks an ElectionTimeout uniformly from [min, max]. ElectionTimeout is the allowed period of
// time for a follower not to receive communications from a Leader, as defined in Section 5.2 from the
// [Raft paper](https://raft.github.io/raft.pdf). Randomisation keeps split votes rare.
func RandomElectionTimeout(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	// +1 makes the range inclusive, as rand.Int63n could return 0
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

// QuorumSize returns the number of servers forming a strict majority of a cluster of clusterSize servers.
func QuorumSize(clusterSize int) int {
	return clusterSize/2 + 1
}

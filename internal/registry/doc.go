// Package registry tracks which users hold live connections on this process and which rooms those connections
// joined. State is process-local; the broker bridge and presence tracker build the cross-process view on top of it.
//
// Locks are sharded by user id and by room id. A mutation that touches both always takes the user shard first.
package registry

package redisclient

import "fmt"

// RedisPrefix is the prefix for all Redis keys owned by the launcher
const RedisPrefix = "launcher:"

// QueuePendingKey returns the list producers push launch requests onto
func QueuePendingKey(queue string) string {
	return fmt.Sprintf("%squeue:%s:pending", RedisPrefix, queue)
}

// QueueProcessingKey returns the list holding requests a consumer has taken
// but not yet acknowledged
func QueueProcessingKey(queue, consumerID string) string {
	return fmt.Sprintf("%squeue:%s:processing:%s", RedisPrefix, queue, consumerID)
}

// QueueDeadKey returns the list malformed messages are moved to
func QueueDeadKey(queue string) string {
	return fmt.Sprintf("%squeue:%s:dead", RedisPrefix, queue)
}

// WorkloadKey returns the hash holding the status of a workload
func WorkloadKey(workloadID string) string {
	return fmt.Sprintf("%sworkload:%s", RedisPrefix, workloadID)
}

// MutexLockKey returns the key holding the launch lock of a mutex key
func MutexLockKey(mutexKey string) string {
	return fmt.Sprintf("%smutex:%s", RedisPrefix, mutexKey)
}

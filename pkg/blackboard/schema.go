package blackboard

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so that
// several test benches can share one Redis server.
//
// Key pattern: bbwatch:{instance_name}:{entity}[:{id}]
// Channel pattern: bbwatch:{instance_name}:{event_type}_events

// VariableKey returns the Redis key for a variable hash.
// Pattern: bbwatch:{instance_name}:variable:{vid}
func VariableKey(instanceName string, vid VID) string {
	return fmt.Sprintf("bbwatch:%s:variable:%d", instanceName, vid)
}

// VariableIndexKey returns the Redis key for the name -> vid index hash.
// Pattern: bbwatch:{instance_name}:variables
func VariableIndexKey(instanceName string) string {
	return fmt.Sprintf("bbwatch:%s:variables", instanceName)
}

// NextVIDKey returns the Redis key of the VID counter.
// Pattern: bbwatch:{instance_name}:next_vid
func NextVIDKey(instanceName string) string {
	return fmt.Sprintf("bbwatch:%s:next_vid", instanceName)
}

// VariableEventsChannel returns the Pub/Sub channel carrying variable changes.
// Pattern: bbwatch:{instance_name}:variable_events
func VariableEventsChannel(instanceName string) string {
	return fmt.Sprintf("bbwatch:%s:variable_events", instanceName)
}

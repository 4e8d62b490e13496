package node

import "fmt"

func nodesSetKey() string {
	return "websocket:nodes"
}

func nodeInfoKey(nodeID string) string {
	return fmt.Sprintf("websocket:node:%s:info", nodeID)
}

func nodeHeartbeatKey(nodeID string) string {
	return fmt.Sprintf("websocket:node:%s:heartbeat", nodeID)
}

func nodeClientsKey(nodeID string) string {
	return fmt.Sprintf("websocket:node:%s:clients", nodeID)
}

func nodeChannelsKey(nodeID string) string {
	return fmt.Sprintf("websocket:node:%s:channels", nodeID)
}

func clientNodeKey(clientID string) string {
	return fmt.Sprintf("websocket:client:%s:node", clientID)
}

func clientChannelsKey(clientID string) string {
	return fmt.Sprintf("websocket:client:%s:channels", clientID)
}

func clientMetadataKey(clientID string) string {
	return fmt.Sprintf("websocket:client:%s:metadata", clientID)
}

// ChannelNodesKey returns the KVPS set key holding the nodeIds that
// currently serve at least one subscriber of channel. Exported so the
// router can resolve it without duplicating the naming scheme.
func ChannelNodesKey(channel string) string {
	return fmt.Sprintf("websocket:channel:%s:nodes", channel)
}

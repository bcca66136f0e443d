package domain

type BridgeID string

// Bridge identifies one remote media-relay node. Selection policy lives
// behind core.BridgeSelector; this is just the meta-data the focus keeps.
type Bridge struct {
	ID     BridgeID
	Region string
	URL    string
}

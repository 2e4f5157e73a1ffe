package quicklook

// Contains the client updater, which publishes JSON-encoded messages
// giving the latest Quicklook state on the status port.

import (
	"encoding/json"
	"fmt"

	"github.com/davecgh/go-spew/spew"
	zmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries a message to be published on the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
}

// NewClientUpdate builds an update for external senders (the RPC layer).
func NewClientUpdate(tag string, state interface{}) ClientUpdate {
	return ClientUpdate{tag: tag, state: state}
}

// RunClientUpdater forwards any message from its input channel to a ZMQ PUB
// socket, so monitoring clients can learn the acquisition state without
// polling. Terminates when abort is closed.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int, abort <-chan struct{}) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create status PUB socket: %v", err)
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(fmt.Sprintf("tcp://*:%d", portstatus)); err != nil {
		ProblemLogger.Printf("could not bind status PUB socket on port %d: %v", portstatus, err)
		return
	}

	for {
		select {
		case <-abort:
			return
		case update := <-messages:
			message, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("could not marshal %s update: %v", update.tag, err)
				continue
			}
			if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
				ProblemLogger.Printf("could not publish %s update: %v", update.tag, err)
				continue
			}
			if update.tag != "SNAPSHOT" {
				// Snapshots are too chatty to log in full.
				UpdateLogger.Printf("%s update: %s", update.tag, spew.Sdump(update.state))
			}
		}
	}
}

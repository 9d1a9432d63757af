package crdt

import (
	"fmt"

	"github.com/ravipandeydu/interview-pro-sub000/internal/models"
)

/*
SYNC PROTOCOL

Every binary frame on the CRDT channel is [type byte][payload]:

  0 sync step 1   payload = sender's state vector
  1 sync update   payload = encoded update (step 2 or incremental)
  2 awareness     payload = encoded awareness update
  3 query         empty; asks the peer for its full awareness state

On connect both sides send step 1. Each answers the other's step 1 with the
update the peer is missing, so both converge after one round trip.
*/

// EncodeMessage frames a payload for the sync channel
func EncodeMessage(t models.MessageType, payload []byte) []byte {
	msg := make([]byte, 0, len(payload)+1)
	msg = append(msg, byte(t))
	return append(msg, payload...)
}

func DecodeMessage(msg []byte) (models.MessageType, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, fmt.Errorf("%w: empty frame", ErrMalformedMessage)
	}
	t := models.MessageType(msg[0])
	if t > models.MessageTypeQueryAwareness {
		return 0, nil, fmt.Errorf("%w: unknown type %d", ErrMalformedMessage, msg[0])
	}
	return t, msg[1:], nil
}

// SyncStep1 frames the document's state vector
func SyncStep1(doc *Doc) []byte {
	return EncodeMessage(models.MessageTypeSync, doc.EncodeStateVector())
}

// SyncStep2 answers a peer's state vector with the operations it lacks
func SyncStep2(doc *Doc, remoteStateVector []byte) ([]byte, error) {
	update, err := doc.EncodeStateAsUpdate(remoteStateVector)
	if err != nil {
		return nil, err
	}
	return EncodeMessage(models.MessageTypeSyncUpdate, update), nil
}

// UpdateMessage frames an incremental update
func UpdateMessage(update []byte) []byte {
	return EncodeMessage(models.MessageTypeSyncUpdate, update)
}

package realtime

import (
	"encoding/json"
	"time"

	"easel/cmd/internal/ids"
	v1 "easel/shared/contracts/realtime/v1"
)

// NewConnectionID returns a ULID used as the connection id.
func NewConnectionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewMessageID returns a ULID used as a chat message id.
// IDs minted by one relay sort in ingress order.
func NewMessageID(now time.Time) string {
	return ids.MustULID(now)
}

// newEnvelope wraps payload into a v1 envelope stamped with ts.
func newEnvelope(typ string, payload any, ts time.Time) (v1.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(ts),
		TS:      ts,
		Payload: raw,
	}, nil
}

func decodePayload[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(raw) == 0 {
		return p, errEmptyPayload
	}
	err := json.Unmarshal(raw, &p)
	return p, err
}

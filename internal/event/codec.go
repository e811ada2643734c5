package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	ce "github.com/cloudevents/sdk-go/v2/event"
)

// ErrMalformed is returned by Decode (and Encode) for events that violate
// the wire contract: unknown type, missing source, non-integer or zero id,
// or an unparsable payload.
var ErrMalformed = errors.New("malformed event")

// Encode renders ev as a CloudEvents 1.0 JSON document (structured mode).
func Encode(ev Event) ([]byte, error) {
	if err := validate(ev.Type, ev.Source, ev.ID); err != nil {
		return nil, err
	}

	c := ce.New()
	c.SetID(strconv.FormatUint(ev.ID, 10))
	c.SetType(ev.Type)
	c.SetSource(ev.Source)
	if !ev.Time.IsZero() {
		c.SetTime(ev.Time)
	}
	if ev.Data != nil {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		if err := c.SetData(ce.ApplicationJSON, data); err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
	}

	out, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	return out, nil
}

// Decode parses a CloudEvents JSON document.  Every failure wraps
// ErrMalformed.
func Decode(raw []byte) (Event, error) {
	var c ce.Event
	if err := json.Unmarshal(raw, &c); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	id, err := strconv.ParseUint(c.ID(), 10, 64)
	if err != nil {
		return Event{}, fmt.Errorf("%w: id %q is not an integer", ErrMalformed, c.ID())
	}
	if err := validate(c.Type(), c.Source(), id); err != nil {
		return Event{}, err
	}

	ev := Event{
		Type:   c.Type(),
		Source: c.Source(),
		ID:     id,
		Time:   c.Time(),
	}
	if data := c.Data(); len(data) > 0 {
		var p Payload
		if err := json.Unmarshal(data, &p); err != nil {
			return Event{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
		}
		ev.Data = &p
	}
	return ev, nil
}

func validate(typ, source string, id uint64) error {
	switch {
	case !Known(typ):
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, typ)
	case source == "":
		return fmt.Errorf("%w: missing source", ErrMalformed)
	case id == 0:
		return fmt.Errorf("%w: id must be positive", ErrMalformed)
	}
	return nil
}

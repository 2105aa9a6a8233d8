package types

import (
	"encoding/json"
	"time"
)

// Election describes a single voting process: the offered choices, the census
// root voters must prove inclusion against, and the open voting window.
type Election struct {
	ID         HexBytes  `json:"id"         cbor:"0,keyasint,omitempty"`
	Choices    []string  `json:"choices"    cbor:"1,keyasint,omitempty"`
	CensusRoot HexBytes  `json:"censusRoot" cbor:"2,keyasint,omitempty"`
	StartTime  time.Time `json:"startTime"  cbor:"3,keyasint"`
	EndTime    time.Time `json:"endTime"    cbor:"4,keyasint"`
	Closed     bool      `json:"closed"     cbor:"5,keyasint"`
}

// IsOpen reports whether the election accepts ballots at time t.
func (e *Election) IsOpen(t time.Time) bool {
	if e.Closed {
		return false
	}
	return !t.Before(e.StartTime) && !t.After(e.EndTime)
}

// HasChoice reports whether choice is one of the election's offered options.
func (e *Election) HasChoice(choice string) bool {
	for _, c := range e.Choices {
		if c == choice {
			return true
		}
	}
	return false
}

func (e *Election) String() string {
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return string(data)
}

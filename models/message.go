package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const (
	OpSubscribe = "subscribe"

	BookTypeSnapshot = "snapshot"
	BookTypeDelta    = "delta"
)

// SubscribeRequest is sent once on every successful connection.
type SubscribeRequest struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

func NewSubscribe(topic string) SubscribeRequest {
	return SubscribeRequest{Op: OpSubscribe, Args: []string{topic}}
}

// Envelope is the outer shape of every inbound feed message.
type Envelope struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// HasData reports whether the envelope carries a non-null payload.
func (e Envelope) HasData() bool {
	d := bytes.TrimSpace(e.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}

// BookData is the payload of an order book snapshot or delta.
type BookData struct {
	Type       string     `json:"type"`
	SeqNum     int64      `json:"seqNum"`
	PrevSeqNum int64      `json:"prevSeqNum"`
	Asks       []RawLevel `json:"asks"`
	Bids       []RawLevel `json:"bids"`
}

func (b BookData) IsSnapshot() bool { return b.Type == BookTypeSnapshot }
func (b BookData) IsDelta() bool    { return b.Type == BookTypeDelta }

// RawLevel is a wire [price, size] pair. Decoding never fails; entries that
// are not a two-element array of numbers are marked invalid and dropped later.
type RawLevel struct {
	Price float64
	Size  float64
	Valid bool
}

func (r *RawLevel) UnmarshalJSON(b []byte) error {
	*r = RawLevel{}
	var pair []json.RawMessage
	if err := json.Unmarshal(b, &pair); err != nil || len(pair) < 2 {
		return nil
	}
	price, ok := ParseNumber(pair[0])
	if !ok {
		return nil
	}
	size, ok := ParseNumber(pair[1])
	if !ok {
		return nil
	}
	*r = RawLevel{Price: price, Size: size, Valid: true}
	return nil
}

func (r RawLevel) Level() PriceLevel {
	return PriceLevel{Price: r.Price, Size: r.Size}
}

// TradeEntry is one element of a trade message's data array.
type TradeEntry struct {
	Price json.RawMessage `json:"price"`
}

// ParseNumber reads a JSON number or numeric string. NaN and infinities are rejected.
func ParseNumber(raw json.RawMessage) (float64, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, false
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(str)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

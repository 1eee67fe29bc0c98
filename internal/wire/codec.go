package wire

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/thenexusengine/tne_bidgate/internal/bid"
)

// Field numbers of the engine's bidding.BidRequest message
const (
	reqID         protowire.Number = 1
	reqTimestamp  protowire.Number = 2
	reqUserID     protowire.Number = 3
	reqAdSlotID   protowire.Number = 4
	reqFloorPrice protowire.Number = 5
	reqTargeting  protowire.Number = 6
	reqCampaignID protowire.Number = 7
)

// Field numbers of the engine's bidding.BidResponse message
const (
	respID         protowire.Number = 1
	respWinningBid protowire.Number = 2
	respPrice      protowire.Number = 3
	respLatencyMs  protowire.Number = 4
	respStatus     protowire.Number = 5
	respWon        protowire.Number = 6
	respCampaignID protowire.Number = 7
)

// Map entry field numbers
const (
	mapKey   protowire.Number = 1
	mapValue protowire.Number = 2
)

// ErrDecode is matched by every payload decode failure
var ErrDecode = errors.New("malformed payload")

// DecodeError describes a payload that could not be decoded
type DecodeError struct {
	Field  protowire.Number
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field > 0 {
		return fmt.Sprintf("malformed payload: field %d: %s", e.Field, e.Reason)
	}
	return "malformed payload: " + e.Reason
}

// Is matches ErrDecode
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// EncodeRequest serializes a bid request payload (without the length prefix)
func EncodeRequest(r *bid.Request) []byte {
	b := make([]byte, 0, 128)
	b = appendString(b, reqID, r.ID)
	if !r.Timestamp.IsZero() {
		b = protowire.AppendTag(b, reqTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Timestamp.UnixMilli()))
	}
	b = appendString(b, reqUserID, r.UserID)
	b = appendString(b, reqAdSlotID, r.AdSlotID)
	b = appendDouble(b, reqFloorPrice, r.FloorPrice.InexactFloat64())

	keys := make([]string, 0, len(r.Targeting))
	for k := range r.Targeting {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, mapKey, k)
		entry = appendString(entry, mapValue, r.Targeting[k])
		b = protowire.AppendTag(b, reqTargeting, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	b = appendString(b, reqCampaignID, r.CampaignID)
	return b
}

// DecodeRequest parses a bid request payload. Used by engine implementations.
func DecodeRequest(b []byte) (*bid.Request, error) {
	r := &bid.Request{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case reqID:
			return consumeString(num, typ, v, &r.ID)
		case reqTimestamp:
			var ms uint64
			n, err := consumeVarint(num, typ, v, &ms)
			r.Timestamp = time.UnixMilli(int64(ms))
			return n, err
		case reqUserID:
			return consumeString(num, typ, v, &r.UserID)
		case reqAdSlotID:
			return consumeString(num, typ, v, &r.AdSlotID)
		case reqFloorPrice:
			var f float64
			n, err := consumeDouble(num, typ, v, &f)
			r.FloorPrice = decimal.NewFromFloat(f)
			return n, err
		case reqTargeting:
			if typ != protowire.BytesType {
				return 0, &DecodeError{Field: num, Reason: "wrong wire type"}
			}
			entry, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, &DecodeError{Field: num, Reason: protowire.ParseError(n).Error()}
			}
			var key, val string
			if err := walk(entry, func(en protowire.Number, et protowire.Type, ev []byte) (int, error) {
				switch en {
				case mapKey:
					return consumeString(en, et, ev, &key)
				case mapValue:
					return consumeString(en, et, ev, &val)
				}
				return skip(en, et, ev)
			}); err != nil {
				return 0, err
			}
			if r.Targeting == nil {
				r.Targeting = make(map[string]string)
			}
			r.Targeting[key] = val
			return n, nil
		case reqCampaignID:
			return consumeString(num, typ, v, &r.CampaignID)
		}
		return skip(num, typ, v)
	})
	if err != nil {
		return nil, err
	}
	if r.ID == "" {
		return nil, &DecodeError{Field: reqID, Reason: "missing request id"}
	}
	return r, nil
}

// EncodeResponse serializes a bid response payload. Used by engine implementations.
func EncodeResponse(r *bid.Response) []byte {
	b := make([]byte, 0, 64)
	b = appendString(b, respID, r.ID)
	b = appendDouble(b, respWinningBid, r.WinningBid)
	b = appendDouble(b, respPrice, r.Price)
	if r.LatencyMs != 0 {
		b = protowire.AppendTag(b, respLatencyMs, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(r.LatencyMs)))
	}
	b = appendString(b, respStatus, string(r.Status))
	if r.Won {
		b = protowire.AppendTag(b, respWon, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = appendString(b, respCampaignID, r.CampaignID)
	return b
}

// DecodeResponse parses an engine response payload. A response without an id
// cannot be correlated and is rejected.
func DecodeResponse(b []byte) (*bid.Response, error) {
	r := &bid.Response{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case respID:
			return consumeString(num, typ, v, &r.ID)
		case respWinningBid:
			return consumeDouble(num, typ, v, &r.WinningBid)
		case respPrice:
			return consumeDouble(num, typ, v, &r.Price)
		case respLatencyMs:
			var u uint64
			n, err := consumeVarint(num, typ, v, &u)
			r.LatencyMs = int32(u)
			return n, err
		case respStatus:
			var s string
			n, err := consumeString(num, typ, v, &s)
			r.Status = bid.Status(s)
			return n, err
		case respWon:
			var u uint64
			n, err := consumeVarint(num, typ, v, &u)
			r.Won = protowire.DecodeBool(u)
			return n, err
		case respCampaignID:
			return consumeString(num, typ, v, &r.CampaignID)
		}
		return skip(num, typ, v)
	})
	if err != nil {
		return nil, err
	}
	if r.ID == "" {
		return nil, &DecodeError{Field: respID, Reason: "missing response id"}
	}
	if math.IsNaN(r.Price) || math.IsInf(r.Price, 0) || math.IsNaN(r.WinningBid) || math.IsInf(r.WinningBid, 0) {
		return nil, &DecodeError{Reason: "non-finite price"}
	}
	return r, nil
}

type fieldFunc func(num protowire.Number, typ protowire.Type, v []byte) (int, error)

// walk iterates over the top-level fields of a message
func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return &DecodeError{Reason: protowire.ParseError(n).Error()}
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, v)
	if n < 0 {
		return 0, &DecodeError{Field: num, Reason: protowire.ParseError(n).Error()}
	}
	return n, nil
}

func consumeString(num protowire.Number, typ protowire.Type, v []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, &DecodeError{Field: num, Reason: "wrong wire type"}
	}
	s, n := protowire.ConsumeString(v)
	if n < 0 {
		return 0, &DecodeError{Field: num, Reason: protowire.ParseError(n).Error()}
	}
	*dst = s
	return n, nil
}

func consumeVarint(num protowire.Number, typ protowire.Type, v []byte, dst *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, &DecodeError{Field: num, Reason: "wrong wire type"}
	}
	u, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, &DecodeError{Field: num, Reason: protowire.ParseError(n).Error()}
	}
	*dst = u
	return n, nil
}

func consumeDouble(num protowire.Number, typ protowire.Type, v []byte, dst *float64) (int, error) {
	if typ != protowire.Fixed64Type {
		return 0, &DecodeError{Field: num, Reason: "wrong wire type"}
	}
	u, n := protowire.ConsumeFixed64(v)
	if n < 0 {
		return 0, &DecodeError{Field: num, Reason: protowire.ParseError(n).Error()}
	}
	*dst = math.Float64frombits(u)
	return n, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendDouble(b []byte, num protowire.Number, f float64) []byte {
	if f == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(f))
}

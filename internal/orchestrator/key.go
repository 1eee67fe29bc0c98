package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/thenexusengine/tne_bidgate/internal/bid"
)

// Field names a request attribute that takes part in the idempotency key
type Field string

const (
	FieldUserID     Field = "user_id"
	FieldAdSlotID   Field = "ad_slot_id"
	FieldCampaignID Field = "campaign_id"
	FieldFloorPrice Field = "floor_price"
	FieldTargeting  Field = "targeting"
)

// DefaultKeyFields identify "the same bid" by user, slot, campaign and floor
var DefaultKeyFields = []Field{FieldUserID, FieldAdSlotID, FieldCampaignID, FieldFloorPrice}

// ParseKeyFields parses a comma separated field list such as "user_id,ad_slot_id"
func ParseKeyFields(s string) ([]Field, error) {
	var fields []Field
	seen := make(map[Field]bool)
	for _, part := range strings.Split(s, ",") {
		f := Field(strings.ToLower(strings.TrimSpace(part)))
		if f == "" {
			continue
		}
		switch f {
		case FieldUserID, FieldAdSlotID, FieldCampaignID, FieldFloorPrice, FieldTargeting:
		default:
			return nil, fmt.Errorf("unknown idempotency field %q", part)
		}
		if !seen[f] {
			seen[f] = true
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("no idempotency fields in %q", s)
	}
	return fields, nil
}

// Keyer derives content-based idempotency keys. The generated request id never
// takes part, so two submissions of the same bid share a key.
type Keyer struct {
	fields []Field
}

// NewKeyer creates a keyer over fields. An empty list uses DefaultKeyFields.
func NewKeyer(fields []Field) *Keyer {
	if len(fields) == 0 {
		fields = DefaultKeyFields
	}
	f := make([]Field, len(fields))
	copy(f, fields)
	sort.Slice(f, func(i, j int) bool { return f[i] < f[j] })
	return &Keyer{fields: f}
}

// Fields returns the fields in canonical order
func (k *Keyer) Fields() []Field {
	return append([]Field(nil), k.fields...)
}

// Key returns the hex SHA-256 of the canonical form of req's key fields.
// Floor prices are compared by value, so 2.5 and 2.50 share a key.
func (k *Keyer) Key(req *bid.Request) string {
	var b strings.Builder
	for _, f := range k.fields {
		b.WriteString(string(f))
		b.WriteByte('=')
		switch f {
		case FieldUserID:
			writeQuoted(&b, req.UserID)
		case FieldAdSlotID:
			writeQuoted(&b, req.AdSlotID)
		case FieldCampaignID:
			writeQuoted(&b, req.CampaignID)
		case FieldFloorPrice:
			b.WriteString(req.FloorPrice.String())
		case FieldTargeting:
			keys := make([]string, 0, len(req.Targeting))
			for key := range req.Targeting {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			b.WriteByte('{')
			for _, key := range keys {
				writeQuoted(&b, key)
				b.WriteByte(':')
				writeQuoted(&b, req.Targeting[key])
				b.WriteByte(',')
			}
			b.WriteByte('}')
		}
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeQuoted(b *strings.Builder, s string) {
	fmt.Fprintf(b, "%q", s)
}

package merge

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
)

var t0 = time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)

func newProposal(entityType domain.EntityType, id, workstation, payload string) Proposal {
	return Proposal{
		EntityType:    entityType,
		EntityID:      id,
		WorkstationID: workstation,
		Payload:       json.RawMessage(payload),
		ReceivedAt:    t0.Add(time.Hour),
	}
}

func committed(t *testing.T, p Proposal, version int64, res Resolution) domain.Entity {
	t.Helper()
	require.False(t, res.Conflict, res.Reason)
	return domain.Entity{
		CustomerID:    "cust-1",
		Type:          p.EntityType,
		ID:            p.EntityID,
		Version:       version,
		UpdatedAt:     res.UpdatedAt,
		WorkstationID: p.WorkstationID,
		Payload:       res.Payload,
	}
}

func decodeMap(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func rfc(at time.Time) string {
	return at.Format(time.RFC3339Nano)
}

func TestStampCompare(t *testing.T) {
	cases := []struct {
		name string
		a, b Stamp
		want int
	}{
		{"later wins", Stamp{At: t0.Add(time.Second), By: "ws-b"}, Stamp{At: t0, By: "ws-a"}, 1},
		{"earlier loses", Stamp{At: t0, By: "ws-a"}, Stamp{At: t0.Add(time.Second), By: "ws-b"}, -1},
		{"tie smaller id wins", Stamp{At: t0, By: "ws-a"}, Stamp{At: t0, By: "ws-b"}, 1},
		{"tie larger id loses", Stamp{At: t0, By: "ws-b"}, Stamp{At: t0, By: "ws-a"}, -1},
		{"identical", Stamp{At: t0, By: "ws-a"}, Stamp{At: t0, By: "ws-a"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.a.Compare(tc.b))
		})
	}
	require.True(t, Stamp{At: t0, By: "ws-a"}.Tied(Stamp{At: t0, By: "ws-b"}))
	require.False(t, Stamp{At: t0, By: "ws-a"}.Tied(Stamp{At: t0, By: "ws-a"}))
}

func TestRegistryCoversClosedTypeSet(t *testing.T) {
	registry := NewRegistry()
	require.Len(t, registry.Types(), 12)

	policy, err := registry.For(domain.EntityVenue)
	require.NoError(t, err)
	require.Equal(t, KindFieldMerge, policy.Kind())

	policy, err = registry.For(domain.EntityWorldModelEdge)
	require.NoError(t, err)
	require.Equal(t, KindWorldModelEdge, policy.Kind())

	policy, err = registry.For(domain.EntityVenueZone)
	require.NoError(t, err)
	require.Equal(t, KindFieldMerge, policy.Kind())

	policy, err = registry.For(domain.EntityZoneConnection)
	require.NoError(t, err)
	require.Equal(t, KindZoneConnection, policy.Kind())

	policy, err = registry.For(domain.EntityDrone)
	require.NoError(t, err)
	require.Equal(t, KindLastWriterWins, policy.Kind())

	_, err = registry.For("weather_observation")
	require.ErrorIs(t, err, domain.ErrUnknownEntityType)
}

func TestLastWriterWinsMerge(t *testing.T) {
	policy := LastWriterWins{}
	first := newProposal(domain.EntityDrone, "drone-1", "ws-b", `{"name":"D1","updated_at":"`+rfc(t0)+`"}`)
	res, err := policy.Apply(nil, first)
	require.NoError(t, err)
	require.True(t, t0.Equal(res.UpdatedAt))
	current := committed(t, first, 1, res)

	newer := newProposal(domain.EntityDrone, "drone-1", "ws-c", `{"name":"D1-new","updated_at":"`+rfc(t0.Add(time.Minute))+`"}`)
	res, err = policy.Merge(current, newer, Base{})
	require.NoError(t, err)
	require.False(t, res.Conflict)
	require.JSONEq(t, `{"name":"D1-new","updated_at":"`+rfc(t0.Add(time.Minute))+`"}`, string(res.Payload))

	older := newProposal(domain.EntityDrone, "drone-1", "ws-a", `{"name":"D1-old","updated_at":"`+rfc(t0.Add(-time.Minute))+`"}`)
	res, err = policy.Merge(current, older, Base{})
	require.NoError(t, err)
	require.True(t, res.Conflict)

	tieSmaller := newProposal(domain.EntityDrone, "drone-1", "ws-a", `{"name":"D1-tie","updated_at":"`+rfc(t0)+`"}`)
	res, err = policy.Merge(current, tieSmaller, Base{})
	require.NoError(t, err)
	require.False(t, res.Conflict)

	tieLarger := newProposal(domain.EntityDrone, "drone-1", "ws-c", `{"name":"D1-tie","updated_at":"`+rfc(t0)+`"}`)
	res, err = policy.Merge(current, tieLarger, Base{})
	require.NoError(t, err)
	require.True(t, res.Conflict)
}

func TestLastWriterWinsRejectsNonObject(t *testing.T) {
	_, err := LastWriterWins{}.Apply(nil, newProposal(domain.EntityAlert, "a-1", "ws-a", `[1,2]`))
	require.ErrorIs(t, err, domain.ErrInvalidPayload)

	_, err = LastWriterWins{}.Apply(nil, newProposal(domain.EntityAlert, "a-1", "ws-a", ``))
	require.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestCounterKeepsPerWorkstationTallies(t *testing.T) {
	policy := CounterPolicy{}
	first := newProposal(domain.EntityPerchPoint, "pp-1", "ws-a", `{"attempt_count":3,"success_count":2,"status":"tested"}`)
	res, err := policy.Apply(nil, first)
	require.NoError(t, err)
	current := committed(t, first, 1, res)

	other := newProposal(domain.EntityPerchPoint, "pp-1", "ws-b", `{"attempt_count":5,"success_count":1}`)
	res, err = policy.Merge(current, other, KnownBase(nil))
	require.NoError(t, err)
	doc := decodeMap(t, res.Payload)
	require.EqualValues(t, 8, doc["attempt_count"])
	require.EqualValues(t, 3, doc["success_count"])
	require.Equal(t, "tested", doc["status"])
	current = committed(t, other, 2, res)

	// A retransmitted tally does not double count.
	res, err = policy.Merge(current, other, Base{})
	require.NoError(t, err)
	doc = decodeMap(t, res.Payload)
	require.EqualValues(t, 8, doc["attempt_count"])

	echo := newProposal(domain.EntityPerchPoint, "pp-1", "ws-a",
		`{"attempts_by_workstation":{"ws-a":4,"ws-b":5},"successes_by_workstation":{"ws-a":2,"ws-b":1}}`)
	res, err = policy.Apply(&current, echo)
	require.NoError(t, err)
	doc = decodeMap(t, res.Payload)
	require.EqualValues(t, 9, doc["attempt_count"])
	require.EqualValues(t, 3, doc["success_count"])
}

func TestCounterRejectsNegativeSlots(t *testing.T) {
	_, err := CounterPolicy{}.Apply(nil, newProposal(domain.EntityPerchPoint, "pp-1", "ws-a", `{"attempts_by_workstation":{"ws-a":-1}}`))
	require.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestZoneEditsFromTwoWorkstationsAreBothKept(t *testing.T) {
	policy := ZonePolicy{}
	create := newProposal(domain.EntityVenueZone, "zone-1", "ws-a",
		`{"venue_id":"venue-1","name":"Lobby","environment":"indoor","updated_at":"`+rfc(t0)+`"}`)
	res, err := policy.Apply(nil, create)
	require.NoError(t, err)
	v1 := committed(t, create, 1, res)

	notes := newProposal(domain.EntityVenueZone, "zone-1", "ws-a",
		`{"venue_id":"venue-1","name":"Lobby","notes":"glass roof","updated_at":"`+rfc(t0.Add(time.Minute))+`"}`)
	height := newProposal(domain.EntityVenueZone, "zone-1", "ws-b",
		`{"venue_id":"venue-1","name":"Lobby","ceiling_height_m":7.5,"updated_at":"`+rfc(t0.Add(-time.Minute))+`"}`)

	resolve := func(first, second Proposal) Resolution {
		res, err := policy.Apply(&v1, first)
		require.NoError(t, err)
		v2 := committed(t, first, 2, res)
		res, err = policy.Merge(v2, second, KnownBase(v1.Payload))
		require.NoError(t, err)
		return res
	}

	a := resolve(notes, height)
	b := resolve(height, notes)
	require.JSONEq(t, string(a.Payload), string(b.Payload))
	doc := decodeMap(t, a.Payload)
	require.Equal(t, "glass roof", doc["notes"])
	require.Equal(t, 7.5, doc["ceiling_height_m"])
	require.Equal(t, "indoor", doc["environment"])
	require.Equal(t, "zone-1", doc["id"])
}

func TestConnectionKeyIsDirected(t *testing.T) {
	forward, err := ConnectionKey("venue-1", "Zone-A", "zone-b")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(forward, "zcn_"))

	same, err := ConnectionKey(" VENUE-1", "zone-a", "ZONE-B ")
	require.NoError(t, err)
	require.Equal(t, forward, same)

	reverse, err := ConnectionKey("venue-1", "zone-b", "zone-a")
	require.NoError(t, err)
	require.NotEqual(t, forward, reverse)

	other, err := ConnectionKey("venue-2", "zone-a", "zone-b")
	require.NoError(t, err)
	require.NotEqual(t, forward, other)

	_, err = ConnectionKey("venue-1", "", "zone-b")
	require.Error(t, err)
	_, err = ConnectionKey("", "zone-a", "zone-b")
	require.Error(t, err)
}

func TestConnectionDuplicatesCollapseToOneKey(t *testing.T) {
	policy := ConnectionPolicy{}
	fromA := newProposal(domain.EntityZoneConnection, "conn-a", "ws-a",
		`{"venue_id":"venue-1","from_zone_id":"zone-a","to_zone_id":"zone-b","connection_type":"door","updated_at":"`+rfc(t0)+`"}`)
	fromB := newProposal(domain.EntityZoneConnection, "conn-b", "ws-b",
		`{"venue_id":"venue-1","from_zone_id":"ZONE-A","to_zone_id":"zone-b","width_m":1.2,"updated_at":"`+rfc(t0.Add(time.Minute))+`"}`)

	keyA, err := policy.Identity(fromA)
	require.NoError(t, err)
	keyB, err := policy.Identity(fromB)
	require.NoError(t, err)
	require.Equal(t, keyA, keyB)

	resolve := func(first, second Proposal) Resolution {
		res, err := policy.Apply(nil, first)
		require.NoError(t, err)
		current := committed(t, first, 1, res)
		current.ID = keyA
		res, err = policy.Merge(current, second, KnownBase(nil))
		require.NoError(t, err)
		return res
	}

	a := resolve(fromA, fromB)
	b := resolve(fromB, fromA)
	require.JSONEq(t, string(a.Payload), string(b.Payload))
	doc := decodeMap(t, a.Payload)
	require.Equal(t, keyA, doc["key"])
	require.Equal(t, []any{"conn-a", "conn-b"}, doc["source_ids"])
	require.Equal(t, "ZONE-A", doc["from_zone_id"])
	require.Equal(t, "door", doc["connection_type"])
	require.Equal(t, 1.2, doc["width_m"])

	_, err = policy.Identity(newProposal(domain.EntityZoneConnection, "conn-c", "ws-a", `{"venue_id":"venue-1","to_zone_id":"zone-b"}`))
	require.ErrorIs(t, err, domain.ErrInvalidPayload)
}

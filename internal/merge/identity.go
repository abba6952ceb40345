package merge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Domain prefixes keep node and edge keys from ever colliding. The version suffix allows
// a future key algorithm to coexist with stored keys.
const (
	domainNode       = "overwatch/wm_node/v1"
	domainEdge       = "overwatch/wm_edge/v1"
	domainConnection = "overwatch/zone_connection/v1"

	nodeKeyPrefix       = "wmn_"
	edgeKeyPrefix       = "wme_"
	connectionKeyPrefix = "zcn_"

	// positionGrid is the quantization step in meters.
	positionGrid = 0.1
)

// Position is a venue-local coordinate in meters.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// NodeIdentity holds the semantic content that identifies a knowledge-graph node.
type NodeIdentity struct {
	Type      string
	VenueID   string
	Position  *Position
	Signature map[string]json.RawMessage
}

// NodeKey derives the content key of a node. Workstations that observe the same fact
// independently compute the same key.
func NodeKey(id NodeIdentity) (string, error) {
	if strings.TrimSpace(id.Type) == "" {
		return "", fmt.Errorf("node type is required")
	}
	position := ""
	if id.Position != nil {
		position = strings.Join([]string{
			quantize(id.Position.X), quantize(id.Position.Y), quantize(id.Position.Z),
		}, ",")
	}

	names := make([]string, 0, len(id.Signature))
	for name := range id.Signature {
		names = append(names, fold(name))
	}
	sort.Strings(names)
	folded := make(map[string]json.RawMessage, len(id.Signature))
	for name, value := range id.Signature {
		folded[fold(name)] = value
	}
	signature := make([][2]string, 0, len(names))
	for _, name := range names {
		value, err := signatureValue(folded[name])
		if err != nil {
			return "", fmt.Errorf("signature %q: %w", name, err)
		}
		signature = append(signature, [2]string{name, value})
	}

	data, err := json.Marshal([]any{fold(id.Type), fold(id.VenueID), position, signature})
	if err != nil {
		return "", err
	}
	return nodeKeyPrefix + hashWithDomain(domainNode, data), nil
}

// EdgeKey derives the content key of an edge between two node keys.
func EdgeKey(sourceKey, targetKey, relation string) (string, error) {
	if sourceKey == "" || targetKey == "" {
		return "", fmt.Errorf("edge endpoints are required")
	}
	if strings.TrimSpace(relation) == "" {
		return "", fmt.Errorf("edge relationship is required")
	}
	data, err := json.Marshal([]string{sourceKey, targetKey, fold(relation)})
	if err != nil {
		return "", err
	}
	return edgeKeyPrefix + hashWithDomain(domainEdge, data), nil
}

// ConnectionKey derives the content key of the connection leading from one zone of a venue
// to another. Direction matters: the reverse passage is a separate connection.
func ConnectionKey(venueID, fromZone, toZone string) (string, error) {
	if fold(venueID) == "" {
		return "", fmt.Errorf("connection venue is required")
	}
	if fold(fromZone) == "" || fold(toZone) == "" {
		return "", fmt.Errorf("connection zones are required")
	}
	data, err := json.Marshal([]string{fold(venueID), fold(fromZone), fold(toZone)})
	if err != nil {
		return "", err
	}
	return connectionKeyPrefix + hashWithDomain(domainConnection, data), nil
}

// KeyPrefix returns the prefix of the content keys entities of kind are stored under, or ""
// when the kind keeps client ids.
func KeyPrefix(kind Kind) string {
	switch kind {
	case KindWorldModelNode:
		return nodeKeyPrefix
	case KindWorldModelEdge:
		return edgeKeyPrefix
	case KindZoneConnection:
		return connectionKeyPrefix
	default:
		return ""
	}
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// fold normalizes text for identity: NFC, lower case, trimmed.
func fold(s string) string {
	return norm.NFC.String(strings.ToLower(norm.NFC.String(strings.TrimSpace(s))))
}

func quantize(v float64) string {
	q := math.Round(v/positionGrid) * positionGrid
	if q == 0 {
		q = 0 // drop negative zero
	}
	return strconv.FormatFloat(q, 'f', 1, 64)
}

func signatureValue(raw json.RawMessage) (string, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", err
	}
	if s, ok := value.(string); ok {
		return fold(s), nil
	}
	out, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

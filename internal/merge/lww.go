package merge

import (
	"fmt"

	"github.com/nganga-moses/overwatch-cloud/internal/domain"
)

// LastWriterWins replaces the whole document. A concurrent write is accepted only if its
// (updated_at, workstation) stamp beats the stored one.
type LastWriterWins struct{}

func (LastWriterWins) Kind() Kind { return KindLastWriterWins }

func (LastWriterWins) Identity(p Proposal) (string, error) { return requireID(p) }

func (LastWriterWins) Apply(_ *domain.Entity, p Proposal) (Resolution, error) {
	stamp, payload, err := lwwProposal(p)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Payload: payload, UpdatedAt: stamp.At}, nil
}

func (LastWriterWins) Merge(current domain.Entity, p Proposal, _ Base) (Resolution, error) {
	stamp, payload, err := lwwProposal(p)
	if err != nil {
		return Resolution{}, err
	}
	stored := Stamp{At: current.UpdatedAt.UTC(), By: current.WorkstationID}
	if stamp.Compare(stored) <= 0 {
		return hardConflict(fmt.Sprintf("server copy written at %s by %s is newer",
			stored.At.Format("2006-01-02T15:04:05.000Z07:00"), stored.By)), nil
	}
	return Resolution{Payload: payload, UpdatedAt: stamp.At}, nil
}

func lwwProposal(p Proposal) (Stamp, []byte, error) {
	doc, err := decodeDocument(p.Payload)
	if err != nil {
		return Stamp{}, nil, err
	}
	payload, err := canonicalJSON(p.Payload)
	if err != nil {
		return Stamp{}, nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return doc.source(p).fresh(), payload, nil
}

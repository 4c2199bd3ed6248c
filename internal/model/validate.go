package model

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/shopspring/decimal"
)

func init() {
	// Volumes echo back as JSON numbers, matching the producer's wire format.
	decimal.MarshalJSONWithoutQuotes = true
}

// idRegex matches event and venue identifiers: kalshi, polymarket,
// payrolls-2026-11, KXCPI:25NOV ...
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

var (
	ErrInvalidEventID = errors.New("model: invalid event id")
	ErrInvalidVenueID = errors.New("model: invalid venue id")
	ErrMissingAsOf    = errors.New("model: as_of is required")
	ErrNoSources      = errors.New("model: snapshot has no sources")
)

// Validate checks the snapshot envelope. It does not judge whether the
// quoted probabilities are usable; that is the normalizer's call.
func (s *Snapshot) Validate() error {
	if !idRegex.MatchString(s.EventID) {
		return fmt.Errorf("%w: %q", ErrInvalidEventID, s.EventID)
	}
	if s.AsOf.IsZero() {
		return ErrMissingAsOf
	}
	if len(s.Sources) == 0 {
		return ErrNoSources
	}
	for venue := range s.Sources {
		if !idRegex.MatchString(venue) {
			return fmt.Errorf("%w: %q", ErrInvalidVenueID, venue)
		}
	}
	return nil
}

// VenueVolume returns the notional volume for a venue: the source_meta value
// when present, otherwise the sum of non-null bracket volumes. The second
// return is false when the venue has no volume data at all.
func (s *Snapshot) VenueVolume(venue string) (decimal.Decimal, bool) {
	if meta, ok := s.SourceMeta[venue]; ok && meta.Volume.Valid {
		return meta.Volume.Decimal, true
	}
	total := decimal.Zero
	found := false
	for _, b := range s.Sources[venue] {
		if b.Volume.Valid {
			total = total.Add(b.Volume.Decimal)
			found = true
		}
	}
	return total, found
}

package pss

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"pss-watcher/internal/logger"
)

// DonatedCrew lists crew lent to the alliance.
func (c *Client) DonatedCrew(ctx context.Context, allianceID int64) ([]DonatedCrew, error) {
	params := url.Values{
		"allianceId": {strconv.FormatInt(allianceID, 10)},
		"skip":       {"0"},
		"take":       {strconv.Itoa(unboundedTake)},
	}
	rows, err := c.getRows(ctx, "AllianceService/ListCharactersGivenInAlliance", params, true, "Character")
	if err != nil {
		return nil, err
	}
	out := make([]DonatedCrew, 0, len(rows))
	for _, r := range rows {
		crew, err := parseDonatedCrew(r)
		if err != nil {
			logger.Warn("PSS", fmt.Sprintf("Skipping donated crew: %v", err))
			continue
		}
		out = append(out, crew)
	}
	return out, nil
}

// AllianceByName looks the name up among the top ranked alliances. It reports
// false unless exactly one alliance carries that name.
func (c *Client) AllianceByName(ctx context.Context, name string) (int64, bool, error) {
	params := url.Values{"take": {"100"}}
	rows, err := c.getRows(ctx, "AllianceService/ListAlliancesByRanking", params, false, "Alliance")
	if err != nil {
		return 0, false, err
	}
	var matches []Alliance
	for _, r := range rows {
		a, err := parseAlliance(r)
		if err != nil {
			continue
		}
		if strings.TrimSpace(a.Name) == strings.TrimSpace(name) {
			matches = append(matches, a)
		}
	}
	if len(matches) != 1 {
		return 0, false, nil
	}
	return matches[0].ID, true, nil
}

// TraderOffer returns the merchant ship's current stock, or nil when the
// merchant is not present.
func (c *Client) TraderOffer(ctx context.Context) (*TraderOffer, error) {
	rows, err := c.getRows(ctx, "GalaxyService/ListStarSystemMarkers", nil, true, "StarSystemMarker")
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.str("MarkerType") != "MerchantShip" {
			continue
		}
		offer, err := parseTraderOffer(r)
		if err != nil {
			return nil, fmt.Errorf("%w: merchant marker: %v", ErrFetchFailure, err)
		}
		return offer, nil
	}
	return nil, nil
}

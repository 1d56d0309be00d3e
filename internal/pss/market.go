package pss

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"pss-watcher/internal/logger"
)

// ListItemDesigns fetches the full item catalog.
func (c *Client) ListItemDesigns(ctx context.Context) ([]ItemDesign, error) {
	rows, err := c.getRows(ctx, "ItemService/ListItemDesigns2", nil, true, "ItemDesign")
	if err != nil {
		return nil, err
	}
	out := make([]ItemDesign, 0, len(rows))
	for _, r := range rows {
		it, err := parseItemDesign(r)
		if err != nil {
			logger.Warn("PSS", fmt.Sprintf("Skipping item design: %v", err))
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

// ListCharacterDesigns fetches the full character catalog. The endpoint is public.
func (c *Client) ListCharacterDesigns(ctx context.Context) ([]CharacterDesign, error) {
	rows, err := c.getRows(ctx, "CharacterService/ListAllCharacterDesigns2", nil, false, "CharacterDesign")
	if err != nil {
		return nil, err
	}
	out := make([]CharacterDesign, 0, len(rows))
	for _, r := range rows {
		ch, err := parseCharacterDesign(r)
		if err != nil {
			logger.Warn("PSS", fmt.Sprintf("Skipping character design: %v", err))
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

// RecentSales returns sold listings for an item, newest first, paging back
// until the oldest sale is older than lookback or more than maxSamples were
// collected. Results are cached briefly and concurrent identical calls share
// one fetch.
func (c *Client) RecentSales(ctx context.Context, itemID int32, lookback time.Duration, maxSamples int) ([]Sale, error) {
	key := salesKey{itemID: itemID, lookback: lookback, maxSamples: maxSamples}
	if v, ok := c.sales.Get(key); ok {
		e := v.(salesEntry)
		if c.clock.Now().Sub(e.fetchedAt) < salesCacheTTL {
			return e.sales, nil
		}
		c.sales.Remove(key)
	}

	sfKey := fmt.Sprintf("%d:%d:%d", itemID, lookback, maxSamples)
	v, err, _ := c.salesGroup.Do(sfKey, func() (interface{}, error) {
		sales, err := c.fetchSales(ctx, itemID, lookback, maxSamples)
		if err != nil {
			return nil, err
		}
		c.sales.Add(key, salesEntry{sales: sales, fetchedAt: c.clock.Now()})
		return sales, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Sale), nil
}

func (c *Client) fetchSales(ctx context.Context, itemID int32, lookback time.Duration, maxSamples int) ([]Sale, error) {
	var all []Sale
	cutoff := c.clock.Now().Add(-lookback)
	for from := 0; ; from += salesPageSize {
		params := url.Values{
			"itemDesignId": {strconv.Itoa(int(itemID))},
			"saleStatus":   {"Sold"},
			"from":         {strconv.Itoa(from)},
			"to":           {strconv.Itoa(from + salesPageSize)},
		}
		rows, err := c.getRows(ctx, "MarketService/ListSalesByItemDesignId", params, true, "Sale")
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			break
		}
		oldest := time.Time{}
		for _, r := range rows {
			s, err := parseSale(r)
			if err != nil {
				logger.Warn("PSS", fmt.Sprintf("Skipping sale: %v", err))
				continue
			}
			if oldest.IsZero() || s.Date.Before(oldest) {
				oldest = s.Date
			}
			all = append(all, s)
		}
		if !oldest.IsZero() && oldest.Before(cutoff) {
			break
		}
		if maxSamples > 0 && len(all) > maxSamples {
			break
		}
		if err := c.clock.Sleep(ctx, salesPageDelay); err != nil {
			return nil, err
		}
	}
	return all, nil
}

// MarketListings returns active marketplace listings in ascending id order.
// itemID 0 lists every item; max 0 takes everything available.
func (c *Client) MarketListings(ctx context.Context, itemID int32, max int) ([]MarketListing, error) {
	take := max
	if take <= 0 {
		take = unboundedTake
	}
	params := url.Values{
		"currencyType": {"Unknown"},
		"itemSubType":  {"None"},
		"rarity":       {"None"},
		"userId":       {"0"},
		"skip":         {"0"},
		"take":         {strconv.Itoa(take)},
	}
	if itemID > 0 {
		params.Set("itemDesignId", strconv.Itoa(int(itemID)))
	}
	rows, err := c.getRows(ctx, "MessageService/ListActiveMarketplaceMessages5", params, true, "Message")
	if err != nil {
		return nil, err
	}
	out := make([]MarketListing, 0, len(rows))
	for _, r := range rows {
		l, err := parseMarketListing(r)
		if err != nil {
			logger.Warn("PSS", fmt.Sprintf("Skipping listing: %v", err))
			continue
		}
		if l.ItemID == 0 {
			l.ItemID = itemID
		}
		if l.ItemID == 0 {
			logger.Warn("PSS", fmt.Sprintf("Skipping listing %d: no item id", l.ID))
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

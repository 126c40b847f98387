package relay

import (
	"time"

	"incognito_chat/internal/model"

	"github.com/nbd-wtf/go-nostr"
)

const historyLimit = 200

// Watermark bounds conversation backfill: the earliest last-read or creation
// time across records, minus margin. Without any record it is now - fallback.
func Watermark(records []*model.ConversationRecord, now time.Time, fallback time.Duration, margin time.Duration) nostr.Timestamp {
	var earliest int64
	for _, rec := range records {
		for _, ts := range []int64{rec.LastReadAt, rec.CreatedAt} {
			if ts > 0 && (earliest == 0 || ts < earliest) {
				earliest = ts
			}
		}
	}

	since := now.Add(-fallback).Unix()
	if earliest > 0 {
		since = earliest - int64(margin/time.Second)
	}
	if since < 0 {
		since = 0
	}
	return nostr.Timestamp(since)
}

// ConversationFilters builds the REQ filters for conversation traffic. Empty
// author sets are left out since a filter without authors matches anyone.
func ConversationFilters(self model.Key, incoming []model.Key, outgoing []model.Key, since nostr.Timestamp) nostr.Filters {
	filters := nostr.Filters{{
		Kinds: []int{model.KindDirectMessage},
		Tags:  nostr.TagMap{"p": []string{self.Hex()}},
		Since: &since,
		Limit: historyLimit,
	}}
	for _, authors := range [][]model.Key{incoming, outgoing} {
		if len(authors) == 0 {
			continue
		}
		filters = append(filters, nostr.Filter{
			Kinds:   []int{model.KindDirectMessage},
			Authors: hexKeys(authors),
			Since:   &since,
			Limit:   historyLimit,
		})
	}
	return filters
}

// ProfileFilters requests kind-0 metadata, split into batches of at most
// batch authors.
func ProfileFilters(authors []model.Key, batch int) []nostr.Filters {
	var out []nostr.Filters
	for len(authors) > 0 {
		n := min(batch, len(authors))
		out = append(out, nostr.Filters{{
			Kinds:   []int{model.KindProfile},
			Authors: hexKeys(authors[:n]),
		}})
		authors = authors[n:]
	}
	return out
}

func BackupFilters(self model.Key) nostr.Filters {
	return nostr.Filters{{
		Kinds:   []int{model.KindBackup},
		Authors: []string{self.Hex()},
		Tags:    nostr.TagMap{"d": []string{model.BackupTag}},
		Limit:   1,
	}}
}

func hexKeys(keys []model.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Hex()
	}
	return out
}

package relay

import (
	"strings"
	"testing"
	"time"

	"incognito_chat/internal/model"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermark(t *testing.T) {
	now := time.Unix(10_000_000, 0)

	got := Watermark(nil, now, 24*time.Hour, 5*time.Minute)
	assert.Equal(t, nostr.Timestamp(10_000_000-86_400), got)

	records := []*model.ConversationRecord{
		{CreatedAt: 9_000_000, LastReadAt: 9_500_000},
		{CreatedAt: 8_000_000},
	}
	got = Watermark(records, now, 24*time.Hour, 5*time.Minute)
	assert.Equal(t, nostr.Timestamp(8_000_000-300), got)

	got = Watermark([]*model.ConversationRecord{{CreatedAt: 100}}, now, 24*time.Hour, 5*time.Minute)
	assert.Equal(t, nostr.Timestamp(0), got)
}

func TestConversationFiltersOmitEmptyAuthors(t *testing.T) {
	self := model.MustParseKey(strings.Repeat("0c", 32))
	peer := model.MustParseKey(strings.Repeat("a1", 32))

	filters := ConversationFilters(self, nil, nil, 42)
	require.Len(t, filters, 1)
	assert.Equal(t, []string{self.Hex()}, filters[0].Tags["p"])
	assert.Equal(t, nostr.Timestamp(42), *filters[0].Since)

	filters = ConversationFilters(self, []model.Key{peer}, nil, 42)
	require.Len(t, filters, 2)
	assert.Equal(t, []string{peer.Hex()}, filters[1].Authors)
	assert.Equal(t, 200, filters[1].Limit)
}

func TestProfileFiltersBatch(t *testing.T) {
	var authors []model.Key
	for i := range 5 {
		var k model.Key
		k[0] = byte(i + 1)
		authors = append(authors, k)
	}
	batches := ProfileFilters(authors, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0][0].Authors, 2)
	assert.Len(t, batches[2][0].Authors, 1)
	assert.Equal(t, []int{model.KindProfile}, batches[2][0].Kinds)
}

func TestBackupFilters(t *testing.T) {
	self := model.MustParseKey(strings.Repeat("0c", 32))
	f := BackupFilters(self)[0]

	ev := nostr.Event{Kind: model.KindBackup, PubKey: self.Hex(), Tags: nostr.Tags{{"d", model.BackupTag}}}
	assert.True(t, f.Matches(&ev))
	ev.Tags = nostr.Tags{{"d", "other"}}
	assert.False(t, f.Matches(&ev))
}

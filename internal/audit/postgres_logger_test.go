//go:build integration

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/spendgate/internal/testutil"
)

func TestPostgresLogger_RecordAssignsSeq(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	logger := NewPostgresLogger(db)
	ctx := context.Background()

	var lastSeq int64
	for i := 0; i < 3; i++ {
		e := &Event{
			Kind:      KindAllowed,
			Sender:    "0xab5801a7d398351b8be11c439e05c5b3259aec9b",
			Recipient: "0x742d35cc6634c0532925a3b844bc454e4438f44e",
			Amount:    "10.000000",
			Rule:      "ok",
		}
		if err := logger.Record(ctx, e); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
		if e.ID == "" {
			t.Fatal("Record left ID empty")
		}
		if e.Seq <= lastSeq {
			t.Fatalf("Seq %d not increasing (prev %d)", e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		if e.CreatedAt.IsZero() {
			t.Fatal("Record left CreatedAt zero")
		}
	}
}

func TestPostgresLogger_QueryFiltersAndPaginates(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	logger := NewPostgresLogger(db)
	ctx := context.Background()

	sender := "0xab5801a7d398351b8be11c439e05c5b3259aec9b"
	other := "0x0000000000000000000000000000000000000009"
	base := time.Now().Add(-time.Hour).Truncate(time.Microsecond)

	for i := 0; i < 5; i++ {
		kind := KindAllowed
		rule := "ok"
		if i%2 == 1 {
			kind = KindBlocked
			rule = "per_tx_max"
		}
		e := &Event{
			Kind:      kind,
			Sender:    sender,
			Recipient: "0x742d35cc6634c0532925a3b844bc454e4438f44e",
			Amount:    "5.000000",
			Rule:      rule,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := logger.Record(ctx, e); err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}
	// One unrelated event that principal filtering must exclude.
	if err := logger.Record(ctx, &Event{
		Kind: KindAllowed, Sender: other, Recipient: other,
		Amount: "1.000000", Rule: "ok", CreatedAt: base,
	}); err != nil {
		t.Fatalf("Record other: %v", err)
	}

	page, err := logger.Query(ctx, Query{Principal: sender})
	if err != nil {
		t.Fatalf("Query principal: %v", err)
	}
	if len(page.Events) != 5 {
		t.Fatalf("principal query count = %d, want 5", len(page.Events))
	}
	// Newest first by seq.
	for i := 1; i < len(page.Events); i++ {
		if page.Events[i].Seq >= page.Events[i-1].Seq {
			t.Fatalf("events not seq-descending at %d", i)
		}
	}

	blocked, err := logger.Query(ctx, Query{Principal: sender, Kind: KindBlocked})
	if err != nil {
		t.Fatalf("Query kind: %v", err)
	}
	if len(blocked.Events) != 2 {
		t.Fatalf("blocked count = %d, want 2", len(blocked.Events))
	}

	since, err := logger.Query(ctx, Query{Principal: sender, Since: base.Add(3 * time.Minute)})
	if err != nil {
		t.Fatalf("Query since: %v", err)
	}
	if len(since.Events) != 2 {
		t.Fatalf("since count = %d, want 2", len(since.Events))
	}

	// Page through with limit 2: 2 + 2 + 1.
	var seen []int64
	cursor := ""
	for i := 0; i < 3; i++ {
		p, err := logger.Query(ctx, Query{Principal: sender, Limit: 2, Cursor: cursor})
		if err != nil {
			t.Fatalf("Query page %d: %v", i, err)
		}
		for _, e := range p.Events {
			seen = append(seen, e.Seq)
		}
		if i < 2 && !p.HasMore {
			t.Fatalf("page %d HasMore = false, want true", i)
		}
		cursor = p.NextCursor
	}
	if len(seen) != 5 {
		t.Fatalf("paged total = %d, want 5", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] >= seen[i-1] {
			t.Fatalf("pages overlap or reorder at %d: %v", i, seen)
		}
	}
}

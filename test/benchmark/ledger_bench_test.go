package benchmark

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/TheMichaelB/weavesync/internal/ledger"
	"github.com/TheMichaelB/weavesync/internal/models"
	"github.com/TheMichaelB/weavesync/test/testutil"
)

func openLedger(b *testing.B) *ledger.Ledger {
	b.Helper()
	l, err := ledger.Open(context.Background(), filepath.Join(b.TempDir(), "bench.db"), ledger.Options{}, testutil.NewTestLogger())
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { l.Close() })
	return l
}

func historyRows(b *testing.B, prefix string, n int) []models.Stored {
	rows := make([]models.Stored, n)
	for i := range rows {
		id := fmt.Sprintf("%s%06d", prefix, i)
		row, err := ledger.NewRow(id, map[string]interface{}{
			"histUri":        "https://example.com/" + id,
			"title":          "Page " + id,
			"sortindex":      i,
			"weave_modified": 1262304000 + i,
			"visit_count":    3,
		})
		if err != nil {
			b.Fatal(err)
		}
		rows[i] = row
	}
	return rows
}

func BenchmarkLedgerSave(b *testing.B) {
	for _, batch := range []int{1, 10, 100} {
		b.Run(fmt.Sprintf("%dRows", batch), func(b *testing.B) {
			ctx := context.Background()
			table, err := openLedger(b).Table(ctx, models.KindHistory.Schema())
			if err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				if _, err := table.Save(ctx, historyRows(b, fmt.Sprintf("r%d-", i), batch)...); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkLedgerUpdate(b *testing.B) {
	ctx := context.Background()
	table, err := openLedger(b).Table(ctx, models.KindHistory.Schema())
	if err != nil {
		b.Fatal(err)
	}
	rows := historyRows(b, "u", 100)
	if _, err := table.Save(ctx, rows...); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if _, err := table.Save(ctx, rows[i%len(rows)]); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLedgerQuery(b *testing.B) {
	ctx := context.Background()
	table, err := openLedger(b).Table(ctx, models.TaskSchema())
	if err != nil {
		b.Fatal(err)
	}

	tasks := make([]models.Stored, 0, 1000)
	for i := 0; i < 1000; i++ {
		row, err := ledger.NewRow("", models.SyncTask{
			BatchUUID:    fmt.Sprintf("batch-%d", i/10),
			BatchIndex:   i % 10,
			BatchTotal:   10,
			BatchCreated: int64(i / 10),
			Collection:   "history",
			Chunk:        []string{"a", "b", "c"},
		})
		if err != nil {
			b.Fatal(err)
		}
		tasks = append(tasks, row)
	}
	if _, err := table.Save(ctx, tasks...); err != nil {
		b.Fatal(err)
	}

	b.Run("NextTask", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := table.Query(ctx, "processed IS NULL ORDER BY batch_created DESC, batch_index ASC LIMIT 1"); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("CountPending", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := table.Count(ctx, "processed IS NULL"); err != nil {
				b.Fatal(err)
			}
		}
	})
}

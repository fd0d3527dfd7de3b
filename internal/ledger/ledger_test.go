package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"duewatch/internal/domain"
	"duewatch/internal/storage"
)

func vatOccasion() domain.OccasionID {
	return domain.OccasionID{
		TenantID:     "tenant-a",
		ObligationID: "ob-1",
		DueDate:      time.Date(2024, 2, 21, 0, 0, 0, 0, time.UTC),
		Label:        "T-7",
	}
}

func TestStoreLedgerClaimsOnce(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	l := NewStoreLedger(st)
	ctx := context.Background()
	at := time.Date(2024, 2, 14, 9, 0, 0, 0, time.UTC)

	first, err := l.TryClaim(ctx, vatOccasion(), "run-1", at)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	second, err := l.TryClaim(ctx, vatOccasion(), "run-2", at)
	if err != nil {
		t.Fatalf("TryClaim: %v", err)
	}
	if first != Claimed || second != AlreadySent {
		t.Fatalf("first=%s second=%s", first, second)
	}

	rec, err := st.GetDispatch(ctx, vatOccasion().Key())
	if err != nil {
		t.Fatalf("GetDispatch: %v", err)
	}
	if rec.Status != domain.DispatchClaimed || rec.RunID != "run-1" {
		t.Fatalf("unexpected claim record %+v", rec)
	}
}

func TestStoreLedgerConcurrentClaims(t *testing.T) {
	t.Parallel()

	l := NewStoreLedger(storage.NewMemory())
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		counts = map[Result]int{}
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := l.TryClaim(context.Background(), vatOccasion(), fmt.Sprintf("run-%d", i), time.Now())
			if err != nil {
				t.Errorf("TryClaim: %v", err)
				return
			}
			mu.Lock()
			counts[r]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	if counts[Claimed] != 1 || counts[AlreadySent] != 15 {
		t.Fatalf("counts=%v", counts)
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	if !IsFatal(domain.Unavailable("claim", errors.New("eof"))) {
		t.Fatalf("unavailable should be fatal")
	}
	if IsFatal(errors.New("database is locked")) {
		t.Fatalf("contention should not be fatal")
	}
}

package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"portfolio-pulse/internal/risk"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Store database is nil")
	}

	dbPath := filepath.Join(tempDir, "portfolio-pulse.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_InvalidPath(t *testing.T) {
	invalidPath := filepath.Join(t.TempDir(), "missing", "nested")

	_, err := New(invalidPath)
	if err == nil {
		t.Error("Expected error for invalid path, got nil")
	}
}

func TestStore_Close(t *testing.T) {
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Error closing store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Error closing already closed store: %v", err)
	}
}

func TestStore_CloseNilDB(t *testing.T) {
	store := &Store{db: nil}
	if err := store.Close(); err != nil {
		t.Errorf("Expected no error for nil db, got: %v", err)
	}
}

func TestStorePoint_Validation(t *testing.T) {
	store := newTestStore(t)

	if err := store.StorePoint("", risk.HistoricalPoint{Date: base, Value: 1}); err == nil {
		t.Error("Expected error for empty series")
	}
	if err := store.StorePoint("portfolio", risk.HistoricalPoint{Value: 1}); err == nil {
		t.Error("Expected error for zero date")
	}
}

func TestGetPoints(t *testing.T) {
	store := newTestStore(t)

	// stored out of order on purpose
	for _, i := range []int{3, 0, 4, 1, 2} {
		p := risk.HistoricalPoint{Date: base.AddDate(0, 0, i), Value: float64(100 + i)}
		if err := store.StorePoint("portfolio", p); err != nil {
			t.Fatalf("Failed to store point: %v", err)
		}
	}

	points, err := store.GetPoints("portfolio", base.AddDate(0, 0, 1), base.AddDate(0, 0, 3))
	if err != nil {
		t.Fatalf("Failed to get points: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("Expected 3 points, got %d", len(points))
	}
	for i, p := range points {
		wantDate := base.AddDate(0, 0, i+1)
		if !p.Date.Equal(wantDate) {
			t.Errorf("Point %d: expected date %v, got %v", i, wantDate, p.Date)
		}
		if p.Value != float64(101+i) {
			t.Errorf("Point %d: expected value %v, got %v", i, 101+i, p.Value)
		}
	}
}

func TestGetPoints_SeriesIsolation(t *testing.T) {
	store := newTestStore(t)

	store.StorePoint("portfolio", risk.HistoricalPoint{Date: base, Value: 1})
	store.StorePoint("portfolio_btc", risk.HistoricalPoint{Date: base, Value: 2})
	store.StorePoint("port", risk.HistoricalPoint{Date: base, Value: 3})

	points, err := store.GetPoints("portfolio", base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("Failed to get points: %v", err)
	}
	if len(points) != 1 || points[0].Value != 1 {
		t.Errorf("Expected only the portfolio point, got %+v", points)
	}
}

func TestGetPoints_EmptyResult(t *testing.T) {
	store := newTestStore(t)

	points, err := store.GetPoints("portfolio", base, base.AddDate(0, 0, 7))
	if err != nil {
		t.Fatalf("Failed to get points: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("Expected no points, got %d", len(points))
	}
}

func TestStorePoint_SameTimestampReplaces(t *testing.T) {
	store := newTestStore(t)

	store.StorePoint("portfolio", risk.HistoricalPoint{Date: base, Value: 1})
	store.StorePoint("portfolio", risk.HistoricalPoint{Date: base, Value: 2})

	points, _ := store.GetPoints("portfolio", base, base)
	if len(points) != 1 || points[0].Value != 2 {
		t.Errorf("Expected one replaced point, got %+v", points)
	}
}

func TestPrune(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 10; i++ {
		store.StorePoint("portfolio", risk.HistoricalPoint{Date: base.AddDate(0, 0, i), Value: float64(i)})
	}
	store.StorePoint("other", risk.HistoricalPoint{Date: base, Value: 42})

	removed, err := store.Prune("portfolio", base.AddDate(0, 0, 4))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 4 {
		t.Errorf("Expected 4 removed, got %d", removed)
	}

	points, _ := store.GetPoints("portfolio", base.AddDate(-1, 0, 0), base.AddDate(1, 0, 0))
	if len(points) != 6 {
		t.Fatalf("Expected 6 remaining points, got %d", len(points))
	}
	if !points[0].Date.Equal(base.AddDate(0, 0, 4)) {
		t.Errorf("Expected first remaining point at cutoff, got %v", points[0].Date)
	}

	other, _ := store.GetPoints("other", base, base)
	if len(other) != 1 {
		t.Errorf("Prune touched another series: %+v", other)
	}
}

func TestPointKey_Ordering(t *testing.T) {
	early := pointKey("portfolio", time.Unix(1, 0))
	late := pointKey("portfolio", base)
	if string(early) >= string(late) {
		t.Errorf("Expected %s < %s", early, late)
	}
}

func TestConcurrentAccess(t *testing.T) {
	store := newTestStore(t)

	var wg sync.WaitGroup
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				p := risk.HistoricalPoint{Date: base.Add(time.Duration(g*100+i) * time.Minute), Value: float64(i)}
				if err := store.StorePoint("portfolio", p); err != nil {
					t.Errorf("Concurrent store failed: %v", err)
				}
				if _, err := store.GetPoints("portfolio", base, base.AddDate(0, 0, 1)); err != nil {
					t.Errorf("Concurrent read failed: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	points, err := store.GetPoints("portfolio", base, base.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("Failed to get points: %v", err)
	}
	if len(points) != 100 {
		t.Errorf("Expected 100 points, got %d", len(points))
	}
}

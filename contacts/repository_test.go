package contacts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kabili207/contactbook-go/store"
	"github.com/kabili207/contactbook-go/store/memory"
)

func newTestRepo(t *testing.T) (*Repository, *memory.Store) {
	t.Helper()
	st := memory.New()
	return NewRepository(st, Config{}), st
}

func snapshotCollector() (func([]Record), chan []Record) {
	ch := make(chan []Record, 16)
	return func(records []Record) {
		ch <- records
	}, ch
}

// waitSnapshot drains snapshots until one satisfies pred.
func waitSnapshot(t *testing.T, ch chan []Record, pred func([]Record) bool) []Record {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if pred(snap) {
				return snap
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
			return nil
		}
	}
}

func hasLen(n int) func([]Record) bool {
	return func(records []Record) bool { return len(records) == n }
}

// startWatch opens a watch and waits for its first snapshot.
func startWatch(t *testing.T, repo *Repository, userID string) (*Watch, chan []Record) {
	t.Helper()
	onSnapshot, ch := snapshotCollector()
	w, err := repo.Watch(context.Background(), userID, onSnapshot, nil)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	t.Cleanup(w.Unsubscribe)
	waitSnapshot(t, ch, func([]Record) bool { return true })
	return w, ch
}

func TestWatch_InitializesMissingDocument(t *testing.T) {
	repo, st := newTestRepo(t)
	onSnapshot, ch := snapshotCollector()

	w, err := repo.Watch(context.Background(), "u1", onSnapshot, nil)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Unsubscribe()

	// The missing document is initialized with an empty array; the first
	// snapshot comes from the resulting change notification.
	snap := waitSnapshot(t, ch, func([]Record) bool { return true })
	if len(snap) != 0 {
		t.Errorf("first snapshot = %v, want empty", snap)
	}

	doc, err := st.Get(context.Background(), DefaultCollection, "u1")
	if err != nil {
		t.Fatalf("document was not created: %v", err)
	}
	if arr, ok := doc[fieldContacts].([]any); !ok || len(arr) != 0 {
		t.Errorf("document contacts = %v, want empty array", doc[fieldContacts])
	}
}

func TestWatch_MissingContactsFieldDefaultsEmpty(t *testing.T) {
	repo, st := newTestRepo(t)
	st.Set(context.Background(), DefaultCollection, "u1", store.Document{})

	_, ch := startWatch(t, repo, "u1")
	select {
	case snap := <-ch:
		t.Errorf("unexpected extra snapshot: %v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatch_States(t *testing.T) {
	repo, _ := newTestRepo(t)
	onSnapshot, ch := snapshotCollector()

	w, err := repo.Watch(context.Background(), "u1", onSnapshot, nil)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	waitSnapshot(t, ch, func([]Record) bool { return true })
	if w.State() != StateLive {
		t.Errorf("state after snapshot = %v, want live", w.State())
	}

	w.Unsubscribe()
	if w.State() != StateUnsubscribed {
		t.Errorf("state after teardown = %v, want unsubscribed", w.State())
	}
}

func TestWatch_EmptyUserID(t *testing.T) {
	repo, _ := newTestRepo(t)
	if _, err := repo.Watch(context.Background(), "", func([]Record) {}, nil); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestWatch_UnsubscribeStopsSnapshots(t *testing.T) {
	repo, st := newTestRepo(t)
	w, ch := startWatch(t, repo, "u1")

	w.Unsubscribe()
	st.Set(context.Background(), DefaultCollection, "u1", store.Document{
		fieldContacts: []any{map[string]any{"name": "Ana", "addresses": []any{"A St"}, "isFavorite": false}},
	})

	select {
	case snap := <-ch:
		t.Errorf("received snapshot after unsubscribe: %v", snap)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAdd_AppearsInNextSnapshot(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, ch := startWatch(t, repo, "u1")

	if err := repo.Add(context.Background(), "u1", "Ana", []string{"A St"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	snap := waitSnapshot(t, ch, hasLen(1))
	want := Record{Name: "Ana", Addresses: []string{"A St"}, IsFavorite: false}
	if !snap[0].Equal(want) {
		t.Errorf("snapshot[0] = %+v, want %+v", snap[0], want)
	}
}

func TestAdd_DuplicateSuppressed(t *testing.T) {
	repo, st := newTestRepo(t)
	_, ch := startWatch(t, repo, "u1")
	ctx := context.Background()

	if err := repo.Add(ctx, "u1", "Ana", []string{"A St"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	waitSnapshot(t, ch, hasLen(1))

	// Byte-identical duplicate is a silent no-op, not an error.
	if err := repo.Add(ctx, "u1", "Ana", []string{"A St"}); err != nil {
		t.Fatalf("duplicate Add failed: %v", err)
	}

	doc, _ := st.Get(ctx, DefaultCollection, "u1")
	if arr := doc[fieldContacts].([]any); len(arr) != 1 {
		t.Errorf("document has %d contacts, want 1", len(arr))
	}
}

func TestAdd_Validation(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	var verr *ValidationError
	if err := repo.Add(ctx, "u1", "  ", []string{"A St"}); !errors.As(err, &verr) {
		t.Errorf("blank name: err = %v, want *ValidationError", err)
	}
	if err := repo.Add(ctx, "u1", "Ana", nil); !errors.As(err, &verr) {
		t.Errorf("no addresses: err = %v, want *ValidationError", err)
	}
	// Entries that are empty after trimming are filtered; when the filter
	// leaves nothing the whole list is rejected.
	if err := repo.Add(ctx, "u1", "Ana", []string{"", "  "}); !errors.As(err, &verr) {
		t.Errorf("all-empty addresses: err = %v, want *ValidationError", err)
	}
}

func TestDelete_RemovesByName(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, ch := startWatch(t, repo, "u1")
	ctx := context.Background()

	repo.Add(ctx, "u1", "Ana", []string{"A St"})
	waitSnapshot(t, ch, hasLen(1))

	if err := repo.Delete(ctx, "u1", "Ana"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	waitSnapshot(t, ch, hasLen(0))
}

func TestDelete_FirstOfDuplicateNames(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, ch := startWatch(t, repo, "u1")
	ctx := context.Background()

	repo.Add(ctx, "u1", "Ana", []string{"A St"})
	repo.Add(ctx, "u1", "Ana", []string{"B St"})
	waitSnapshot(t, ch, hasLen(2))

	if err := repo.Delete(ctx, "u1", "Ana"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	snap := waitSnapshot(t, ch, hasLen(1))
	if snap[0].Addresses[0] != "B St" {
		t.Errorf("remaining record = %+v, want the sequence-second one", snap[0])
	}
}

func TestDelete_NotFoundLocally(t *testing.T) {
	repo, st := newTestRepo(t)
	_, ch := startWatch(t, repo, "u1")
	ctx := context.Background()

	repo.Add(ctx, "u1", "Bo", []string{"X"})
	waitSnapshot(t, ch, hasLen(1))

	// The target is resolved against the local snapshot; the store is
	// never contacted.
	if err := repo.Delete(ctx, "u1", "Zed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}

	doc, _ := st.Get(ctx, DefaultCollection, "u1")
	if arr := doc[fieldContacts].([]any); len(arr) != 1 {
		t.Errorf("snapshot changed: %v", arr)
	}
}

func TestDelete_NoWatchMeansNoSnapshot(t *testing.T) {
	repo, _ := newTestRepo(t)
	if err := repo.Delete(context.Background(), "u1", "Ana"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdate_ReplacesMatchingRecord(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, ch := startWatch(t, repo, "u1")
	ctx := context.Background()

	repo.Add(ctx, "u1", "Ana", []string{"A St"})
	waitSnapshot(t, ch, hasLen(1))

	old := Record{Name: "Ana", Addresses: []string{"A St"}}
	updated := Record{Name: "Ana Maria", Addresses: []string{"A St", "C St"}}
	if err := repo.Update(ctx, "u1", old, updated); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	snap := waitSnapshot(t, ch, func(records []Record) bool {
		return len(records) == 1 && records[0].Name == "Ana Maria"
	})
	if len(snap[0].Addresses) != 2 {
		t.Errorf("addresses = %v, want two entries", snap[0].Addresses)
	}
}

func TestUpdate_KeepsFavoriteFlag(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, ch := startWatch(t, repo, "u1")
	ctx := context.Background()

	repo.Add(ctx, "u1", "Ana", []string{"A St"})
	waitSnapshot(t, ch, hasLen(1))
	repo.ToggleFavorite(ctx, "u1", "Ana")
	waitSnapshot(t, ch, func(records []Record) bool {
		return len(records) == 1 && records[0].IsFavorite
	})

	old := Record{Name: "Ana", Addresses: []string{"A St"}, IsFavorite: true}
	updated := Record{Name: "Ana", Addresses: []string{"B St"}, IsFavorite: true}
	if err := repo.Update(ctx, "u1", old, updated); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	waitSnapshot(t, ch, func(records []Record) bool {
		return len(records) == 1 && records[0].Addresses[0] == "B St" && records[0].IsFavorite
	})
}

func TestUpdate_ConcurrentlyDeletedIsSkipped(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, ch := startWatch(t, repo, "u1")
	ctx := context.Background()

	repo.Add(ctx, "u1", "Bo", []string{"X"})
	waitSnapshot(t, ch, hasLen(1))

	// The old value no longer matches anything; the replace is silently
	// skipped and the array written back unchanged.
	old := Record{Name: "Gone", Addresses: []string{"Nowhere"}}
	updated := Record{Name: "New", Addresses: []string{"Somewhere"}}
	if err := repo.Update(ctx, "u1", old, updated); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	snap := waitSnapshot(t, ch, hasLen(1))
	if snap[0].Name != "Bo" {
		t.Errorf("record = %+v, want untouched Bo", snap[0])
	}
}

func TestUpdate_MissingDocument(t *testing.T) {
	repo, _ := newTestRepo(t)
	old := Record{Name: "Ana", Addresses: []string{"A St"}}
	updated := Record{Name: "Ana", Addresses: []string{"B St"}}
	if err := repo.Update(context.Background(), "u1", old, updated); err != nil {
		t.Errorf("Update on missing document = %v, want nil", err)
	}
}

func TestToggleFavorite_RoundTrip(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, ch := startWatch(t, repo, "u1")
	ctx := context.Background()

	repo.Add(ctx, "u1", "Ana", []string{"A St"})
	waitSnapshot(t, ch, hasLen(1))

	if err := repo.ToggleFavorite(ctx, "u1", "Ana"); err != nil {
		t.Fatalf("ToggleFavorite failed: %v", err)
	}
	waitSnapshot(t, ch, func(records []Record) bool {
		return len(records) == 1 && records[0].IsFavorite
	})

	if err := repo.ToggleFavorite(ctx, "u1", "Ana"); err != nil {
		t.Fatalf("second ToggleFavorite failed: %v", err)
	}
	waitSnapshot(t, ch, func(records []Record) bool {
		return len(records) == 1 && !records[0].IsFavorite
	})
}

func TestToggleFavorite_NotFound(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, ch := startWatch(t, repo, "u1")
	ctx := context.Background()

	repo.Add(ctx, "u1", "Bo", []string{"X"})
	waitSnapshot(t, ch, hasLen(1))

	if err := repo.ToggleFavorite(ctx, "u1", "Zed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestToggleFavorite_FlipsFirstNameMatch(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, ch := startWatch(t, repo, "u1")
	ctx := context.Background()

	repo.Add(ctx, "u1", "Ana", []string{"A St"})
	repo.Add(ctx, "u1", "Ana", []string{"B St"})
	waitSnapshot(t, ch, hasLen(2))

	if err := repo.ToggleFavorite(ctx, "u1", "Ana"); err != nil {
		t.Fatalf("ToggleFavorite failed: %v", err)
	}

	snap := waitSnapshot(t, ch, func(records []Record) bool {
		return len(records) == 2 && (records[0].IsFavorite || records[1].IsFavorite)
	})
	if !snap[0].IsFavorite || snap[1].IsFavorite {
		t.Errorf("wrong record flipped: %+v", snap)
	}
}

func TestTwoWatches_Converge(t *testing.T) {
	repo, _ := newTestRepo(t)
	_, chA := startWatch(t, repo, "u1")
	_, chB := startWatch(t, repo, "u1")

	if err := repo.Add(context.Background(), "u1", "Cy", []string{"Y"}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	want := Record{Name: "Cy", Addresses: []string{"Y"}, IsFavorite: false}
	for _, ch := range []chan []Record{chA, chB} {
		snap := waitSnapshot(t, ch, hasLen(1))
		if !snap[0].Equal(want) {
			t.Errorf("snapshot = %+v, want %+v", snap[0], want)
		}
	}
}

// failingStore errors on every operation, standing in for a backend outage.
type failingStore struct {
	err error
}

var _ store.Store = (*failingStore)(nil)

func (f *failingStore) Get(context.Context, string, string) (store.Document, error) {
	return nil, f.err
}
func (f *failingStore) Set(context.Context, string, string, store.Document) error { return f.err }
func (f *failingStore) Update(context.Context, string, string, store.Document) error {
	return f.err
}
func (f *failingStore) Subscribe(context.Context, string, string, store.ChangeHandler, store.ErrorHandler) (store.Subscription, error) {
	return nil, f.err
}
func (f *failingStore) ArrayAdd(context.Context, string, string, string, any) error { return f.err }
func (f *failingStore) ArrayRemove(context.Context, string, string, string, any) error {
	return f.err
}

func TestStoreFailures_WrappedAsStoreError(t *testing.T) {
	cause := errors.New("backend down")
	repo := NewRepository(&failingStore{err: cause}, Config{})
	ctx := context.Background()

	var serr *StoreError
	if err := repo.Add(ctx, "u1", "Ana", []string{"A St"}); !errors.As(err, &serr) {
		t.Errorf("Add err = %v, want *StoreError", err)
	} else if !errors.Is(err, cause) {
		t.Error("StoreError should wrap the backend cause")
	}
	if err := repo.ToggleFavorite(ctx, "u1", "Ana"); !errors.As(err, &serr) {
		t.Errorf("ToggleFavorite err = %v, want *StoreError", err)
	}
	if _, err := repo.Watch(ctx, "u1", func([]Record) {}, nil); !errors.As(err, &serr) {
		t.Errorf("Watch err = %v, want *StoreError", err)
	}
}

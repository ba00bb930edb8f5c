package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/techstrom/emailTransferrer/internal/config"
	"github.com/techstrom/emailTransferrer/internal/session"
	"github.com/techstrom/emailTransferrer/internal/state"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

type fakeSource struct {
	msgs     []session.Message
	listErr  error
	fetchErr map[string]error
	vanished map[string]bool

	fetched    []string
	marked     []string
	finalized  bool
	closeCalls int
	aborted    bool
}

func (f *fakeSource) List() ([]session.Message, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.msgs, nil
}

func (f *fakeSource) Fetch(msg session.Message) ([]byte, error) {
	f.fetched = append(f.fetched, msg.ID)
	if err := f.fetchErr[msg.ID]; err != nil {
		return nil, err
	}
	if f.vanished[msg.ID] {
		return nil, nil
	}
	return []byte("body-" + msg.ID), nil
}

func (f *fakeSource) MarkDeleted(msg session.Message) error {
	f.marked = append(f.marked, msg.ID)
	return nil
}

func (f *fakeSource) FinalizeDeletions() error {
	f.finalized = true
	return nil
}

func (f *fakeSource) Close(aborted bool) {
	f.closeCalls++
	f.aborted = aborted
}

type fakeDest struct {
	rejected map[string]bool // raw message content -> reject append

	ensured    []string
	appended   []string
	closeCalls int
}

func (f *fakeDest) EnsureMailbox(name string) error {
	f.ensured = append(f.ensured, name)
	return nil
}

func (f *fakeDest) Append(mailbox string, raw []byte) error {
	if f.rejected[string(raw)] {
		return errors.New("append rejected")
	}
	f.appended = append(f.appended, string(raw))
	return nil
}

func (f *fakeDest) Close() {
	f.closeCalls++
}

func msgs(ids ...string) []session.Message {
	out := make([]session.Message, len(ids))
	for i, id := range ids {
		out[i] = session.Message{ID: id, Num: uint32(i + 1)}
	}
	return out
}

func testConfig(sources ...config.Source) *config.Config {
	return &config.Config{
		PollIntervalSeconds: 300,
		TimeoutSeconds:      30,
		Sources:             sources,
	}
}

func imapSource(name string) config.Source {
	return config.Source{
		Name:     name,
		Protocol: "imap",
		Host:     "imap.example.com",
		Port:     993,
		Folder:   "INBOX",
		Destination: config.Destination{
			Host:   "dest.example.com",
			Port:   993,
			Folder: "Imported",
		},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *state.Store, *fakeClock) {
	t.Helper()

	store, err := state.NewStore(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	e := New(cfg, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := &fakeClock{t: time.Unix(1000, 0)}
	e.now = clock.now
	return e, store, clock
}

func names(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Source
	}
	return out
}

func TestRunOnceRespectsPerSourceIntervals(t *testing.T) {
	fast := imapSource("fast")
	fast.PollIntervalSeconds = 120
	slow := imapSource("slow")

	e, _, clock := newTestEngine(t, testConfig(fast, slow))
	e.openSource = func(config.Source) (session.Source, error) { return &fakeSource{}, nil }
	e.openDest = func(config.Destination) (session.Destination, error) { return &fakeDest{}, nil }

	ctx := context.Background()

	got := names(e.RunOnce(ctx))
	if len(got) != 2 || got[0] != "fast" || got[1] != "slow" {
		t.Fatalf("initial pass processed %v, want [fast slow]", got)
	}

	if got := e.RunOnce(ctx); len(got) != 0 {
		t.Fatalf("immediate re-run processed %v, want none", names(got))
	}

	clock.advance(150 * time.Second)
	got = names(e.RunOnce(ctx))
	if len(got) != 1 || got[0] != "fast" {
		t.Fatalf("at t=150 processed %v, want [fast]", got)
	}

	clock.advance(150 * time.Second)
	got = names(e.RunOnce(ctx))
	if len(got) != 2 {
		t.Fatalf("at t=300 processed %v, want [fast slow]", got)
	}
}

func TestProcessedMessagesNotRefetched(t *testing.T) {
	src := imapSource("src")
	e, store, _ := newTestEngine(t, testConfig(src))

	if err := store.RecordProcessed("src", []string{"1"}); err != nil {
		t.Fatalf("RecordProcessed: %v", err)
	}

	fake := &fakeSource{msgs: msgs("1", "2")}
	e.openSource = func(config.Source) (session.Source, error) { return fake, nil }
	e.openDest = func(config.Destination) (session.Destination, error) { return &fakeDest{}, nil }

	results := e.RunOnce(context.Background())
	if len(results) != 1 || results[0].Transferred != 1 {
		t.Fatalf("results = %+v, want one result with 1 transferred", results)
	}
	if len(fake.fetched) != 1 || fake.fetched[0] != "2" {
		t.Errorf("fetched %v, want only the unprocessed message", fake.fetched)
	}

	ids, err := store.GetProcessed("src")
	if err != nil {
		t.Fatalf("GetProcessed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("processed set = %v, want 1 and 2", ids)
	}
}

func TestAppendFailureLeavesMessageEligible(t *testing.T) {
	src := imapSource("src")
	src.DeleteAfterTransfer = true
	e, store, _ := newTestEngine(t, testConfig(src))

	fake := &fakeSource{msgs: msgs("1", "2")}
	dest := &fakeDest{rejected: map[string]bool{"body-2": true}}
	e.openSource = func(config.Source) (session.Source, error) { return fake, nil }
	e.openDest = func(config.Destination) (session.Destination, error) { return dest, nil }

	results := e.RunOnce(context.Background())
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Transferred != 1 || results[0].Deleted != 1 {
		t.Errorf("result = %+v, want 1 transferred and 1 deleted", results[0])
	}

	ids, err := store.GetProcessed("src")
	if err != nil {
		t.Fatalf("GetProcessed: %v", err)
	}
	if _, ok := ids["2"]; ok {
		t.Error("failed append was recorded as processed")
	}
	if len(fake.marked) != 1 || fake.marked[0] != "1" {
		t.Errorf("marked %v, want only the appended message deleted", fake.marked)
	}
	if fake.aborted {
		t.Error("cycle reported as aborted after a per-message failure")
	}
}

func TestDeleteAfterTransferFinalizes(t *testing.T) {
	src := imapSource("src")
	src.DeleteAfterTransfer = true
	e, _, _ := newTestEngine(t, testConfig(src))

	fake := &fakeSource{msgs: msgs("1", "2")}
	e.openSource = func(config.Source) (session.Source, error) { return fake, nil }
	e.openDest = func(config.Destination) (session.Destination, error) { return &fakeDest{}, nil }

	results := e.RunOnce(context.Background())
	if results[0].Deleted != 2 {
		t.Errorf("deleted = %d, want 2", results[0].Deleted)
	}
	if !fake.finalized {
		t.Error("deletions were never finalized")
	}
}

func TestNoDeletionsMeansNoFinalize(t *testing.T) {
	src := imapSource("src")
	src.DeleteAfterTransfer = true
	e, _, _ := newTestEngine(t, testConfig(src))

	fake := &fakeSource{}
	e.openSource = func(config.Source) (session.Source, error) { return fake, nil }
	e.openDest = func(config.Destination) (session.Destination, error) { return &fakeDest{}, nil }

	e.RunOnce(context.Background())
	if fake.finalized {
		t.Error("finalized deletions with nothing marked")
	}
}

func TestFetchFailureSkipsSingleMessage(t *testing.T) {
	src := imapSource("src")
	e, store, _ := newTestEngine(t, testConfig(src))

	fake := &fakeSource{
		msgs:     msgs("1", "2", "3"),
		fetchErr: map[string]error{"2": errors.New("boom")},
		vanished: map[string]bool{"3": true},
	}
	e.openSource = func(config.Source) (session.Source, error) { return fake, nil }
	e.openDest = func(config.Destination) (session.Destination, error) { return &fakeDest{}, nil }

	results := e.RunOnce(context.Background())
	if len(results) != 1 || results[0].Transferred != 1 {
		t.Fatalf("results = %+v, want one result with 1 transferred", results)
	}

	ids, err := store.GetProcessed("src")
	if err != nil {
		t.Fatalf("GetProcessed: %v", err)
	}
	if _, ok := ids["1"]; !ok {
		t.Error("successful transfer not recorded")
	}
	if _, ok := ids["2"]; ok {
		t.Error("failed fetch recorded as processed")
	}
	if _, ok := ids["3"]; ok {
		t.Error("vanished message recorded as processed")
	}
}

func TestBrokenSourceDoesNotBlockOthers(t *testing.T) {
	broken := imapSource("broken")
	healthy := imapSource("healthy")
	e, _, clock := newTestEngine(t, testConfig(broken, healthy))

	e.openSource = func(src config.Source) (session.Source, error) {
		if src.Name == "broken" {
			return nil, errors.New("connection refused")
		}
		return &fakeSource{msgs: msgs("1")}, nil
	}
	e.openDest = func(config.Destination) (session.Destination, error) { return &fakeDest{}, nil }

	results := e.RunOnce(context.Background())
	if len(results) != 1 || results[0].Source != "healthy" {
		t.Fatalf("results = %+v, want only healthy", results)
	}

	// The broken source is rescheduled like any other.
	if got := e.RunOnce(context.Background()); len(got) != 0 {
		t.Fatalf("broken source re-ran immediately: %v", names(got))
	}
	clock.advance(300 * time.Second)
	if got := names(e.RunOnce(context.Background())); len(got) != 2 {
		t.Fatalf("at t=300 processed %v, want both", got)
	}
}

func TestDestinationFailureAbortsSourceSession(t *testing.T) {
	src := imapSource("src")
	e, _, _ := newTestEngine(t, testConfig(src))

	fake := &fakeSource{msgs: msgs("1")}
	e.openSource = func(config.Source) (session.Source, error) { return fake, nil }
	e.openDest = func(config.Destination) (session.Destination, error) {
		return nil, errors.New("destination down")
	}

	if results := e.RunOnce(context.Background()); len(results) != 0 {
		t.Fatalf("results = %+v, want none", results)
	}
	if fake.closeCalls != 1 {
		t.Errorf("source session closed %d times, want exactly once", fake.closeCalls)
	}
	if !fake.aborted {
		t.Error("source session not told the cycle aborted")
	}
}

func TestEnsureMailboxUsesDestinationFolder(t *testing.T) {
	src := imapSource("src")
	e, _, _ := newTestEngine(t, testConfig(src))

	dest := &fakeDest{}
	e.openSource = func(config.Source) (session.Source, error) { return &fakeSource{}, nil }
	e.openDest = func(config.Destination) (session.Destination, error) { return dest, nil }

	e.RunOnce(context.Background())
	if len(dest.ensured) != 1 || dest.ensured[0] != "Imported" {
		t.Errorf("ensured %v, want [Imported]", dest.ensured)
	}
}

func TestTimeUntilNextRun(t *testing.T) {
	fast := imapSource("fast")
	fast.PollIntervalSeconds = 120
	slow := imapSource("slow")

	e, _, clock := newTestEngine(t, testConfig(fast, slow))
	e.openSource = func(config.Source) (session.Source, error) { return &fakeSource{}, nil }
	e.openDest = func(config.Destination) (session.Destination, error) { return &fakeDest{}, nil }

	if got := e.TimeUntilNextRun(); got != 0 {
		t.Fatalf("wait before first pass = %v, want 0", got)
	}

	e.RunOnce(context.Background())
	if got := e.TimeUntilNextRun(); got != 120*time.Second {
		t.Errorf("wait after pass = %v, want 2m", got)
	}

	clock.advance(100 * time.Second)
	if got := e.TimeUntilNextRun(); got != 20*time.Second {
		t.Errorf("wait at t=100 = %v, want 20s", got)
	}

	clock.advance(25 * time.Second)
	if got := e.TimeUntilNextRun(); got != 0 {
		t.Errorf("wait past due = %v, want 0 not negative", got)
	}
}

func TestCancellationStopsBetweenSources(t *testing.T) {
	first := imapSource("first")
	second := imapSource("second")
	e, _, _ := newTestEngine(t, testConfig(first, second))

	ctx, cancel := context.WithCancel(context.Background())
	e.openSource = func(src config.Source) (session.Source, error) {
		// Shutdown arrives while the first source is mid-cycle.
		cancel()
		return &fakeSource{}, nil
	}
	e.openDest = func(config.Destination) (session.Destination, error) { return &fakeDest{}, nil }

	results := e.RunOnce(ctx)
	if len(results) != 1 || results[0].Source != "first" {
		t.Fatalf("results = %+v, want the in-flight source finished and the rest skipped", results)
	}
}

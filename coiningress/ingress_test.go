package coiningress

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinwifi/gateway/db"
	"github.com/coinwifi/gateway/slotmanager"
	"github.com/coinwifi/gateway/store"
)

type fakeDialer struct {
	mu      sync.Mutex
	lines   []string
	dialErr error
	dials   int
}

func (f *fakeDialer) Dial(ctx context.Context) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return io.NopCloser(strings.NewReader(strings.Join(f.lines, "\n") + "\n")), nil
}

type fixedResolver struct {
	ident slotmanager.Identity
	ok    bool
}

func (r fixedResolver) CurrentHolder(slotNumber int64) (slotmanager.Identity, bool) {
	return r.ident, r.ok
}

func newTestManager(t *testing.T) *slotmanager.Manager {
	t.Helper()
	dbPath := t.TempDir() + "/gateway.db"
	conn, err := db.OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	s := store.New(conn, nil)
	require.NoError(t, s.EnsureSlot(context.Background(), 1))
	return slotmanager.New(s, 0)
}

func TestHandlePulseCreditsCurrentHolder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t)
	ident := slotmanager.Identity{IP: "10.0.0.5", MAC: "AA:BB:CC:11:22:33", Token: "tok-a"}
	_, err := m.Claim(ctx, 1, ident)
	require.NoError(t, err)

	dialer := &fakeDialer{lines: []string{
		`{"type":"coin_detected","timestamp":1000,"value":5,"pulses":1,"method":"exact"}`,
	}}
	resolver := fixedResolver{ident: ident, ok: true}
	ig := New(dialer, m, resolver, 1)

	runCtx, runCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer runCancel()
	ig.Run(runCtx)

	view, err := m.MySlot(ctx, 1, ident)
	require.NoError(t, err)
	assert.Equal(t, 5.0, view.QueuedTotal)
}

func TestHandlePulseWithNoHolderIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t)
	dialer := &fakeDialer{lines: []string{
		`{"type":"coin_detected","timestamp":1000,"value":5,"pulses":1,"method":"exact"}`,
	}}
	resolver := fixedResolver{ok: false}
	ig := New(dialer, m, resolver, 1)

	runCtx, runCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer runCancel()
	ig.Run(runCtx) // should not panic or hang
}

func TestHandlePulseRejectsOutOfRangeValue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newTestManager(t)
	ident := slotmanager.Identity{IP: "10.0.0.5", MAC: "AA:BB:CC:11:22:33", Token: "tok-a"}
	_, err := m.Claim(ctx, 1, ident)
	require.NoError(t, err)

	dialer := &fakeDialer{lines: []string{
		`{"type":"coin_detected","timestamp":1000,"value":99999,"pulses":1,"method":"exact"}`,
	}}
	resolver := fixedResolver{ident: ident, ok: true}
	ig := New(dialer, m, resolver, 1)

	runCtx, runCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer runCancel()
	ig.Run(runCtx)

	view, err := m.MySlot(ctx, 1, ident)
	require.NoError(t, err)
	assert.Equal(t, 0.0, view.QueuedTotal)
}

func TestRunReturnsOnCancelAfterDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	m := newTestManager(t)
	dialer := &fakeDialer{dialErr: assertDialErr{}}
	ig := New(dialer, m, fixedResolver{}, 1)
	ig.Run(ctx)

	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	assert.GreaterOrEqual(t, dialer.dials, 1)
}

type assertDialErr struct{}

func (assertDialErr) Error() string { return "dial failed" }

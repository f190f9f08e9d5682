package shaper

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommander struct {
	mu   sync.Mutex
	runs [][]string
	fail bool
}

func (f *fakeCommander) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	full := append([]string{name}, args...)
	f.runs = append(f.runs, full)
	if f.fail {
		return []byte("tc: command failed"), assertError{}
	}
	return nil, nil
}

type assertError struct{}

func (assertError) Error() string { return "simulated tc failure" }

func (f *fakeCommander) joined() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.runs {
		out = append(out, strings.Join(r, " "))
	}
	return out
}

func TestSetClientInvalidIPRejected(t *testing.T) {
	cmd := &fakeCommander{}
	d := New(DefaultConfig("wlan0"), cmd)

	err := d.SetClient(context.Background(), "not-an-ip", 1024, 512)
	require.Error(t, err)
	assert.Empty(t, cmd.runs, "no tc command should run for invalid input")
}

func TestSetClientInvalidRateRejected(t *testing.T) {
	cmd := &fakeCommander{}
	d := New(DefaultConfig("wlan0"), cmd)

	err := d.SetClient(context.Background(), "10.0.0.5", 0, 512)
	require.Error(t, err)
	assert.Empty(t, cmd.runs)
}

func TestSetClientInstallsClassAndFilter(t *testing.T) {
	cmd := &fakeCommander{}
	d := New(DefaultConfig("wlan0"), cmd)

	err := d.SetClient(context.Background(), "10.0.0.5", 1024, 512)
	require.NoError(t, err)

	joined := cmd.joined()
	var sawClass, sawFilter bool
	for _, line := range joined {
		if strings.Contains(line, "class replace") && strings.Contains(line, "wlan0") {
			sawClass = true
		}
		if strings.Contains(line, "filter replace") && strings.Contains(line, "10.0.0.5/32") {
			sawFilter = true
		}
	}
	assert.True(t, sawClass, "expected a class replace command: %v", joined)
	assert.True(t, sawFilter, "expected a filter replace command: %v", joined)
}

func TestSetClientIsIdempotent(t *testing.T) {
	cmd := &fakeCommander{}
	d := New(DefaultConfig("wlan0"), cmd)

	require.NoError(t, d.SetClient(context.Background(), "10.0.0.5", 1024, 512))
	firstCount := len(cmd.runs)
	require.NoError(t, d.SetClient(context.Background(), "10.0.0.5", 1024, 512))

	assert.Equal(t, classIDFor("10.0.0.5"), d.clients["10.0.0.5"])
	assert.Greater(t, len(cmd.runs), firstCount, "replace semantics run again but target the same class id")
}

func TestClassIDForIsStableAndInRange(t *testing.T) {
	id1 := classIDFor("10.0.0.5")
	id2 := classIDFor("10.0.0.5")
	assert.Equal(t, id1, id2)
	assert.GreaterOrEqual(t, id1, uint32(minClassID))
	assert.LessOrEqual(t, id1, uint32(maxClassID))
}

func TestReconcileClearsUntracked(t *testing.T) {
	cmd := &fakeCommander{}
	d := New(DefaultConfig("wlan0"), cmd)
	ctx := context.Background()

	require.NoError(t, d.SetClient(ctx, "10.0.0.5", 1024, 512))
	require.NoError(t, d.Reconcile(ctx, nil))

	_, stillTracked := d.clients["10.0.0.5"]
	assert.False(t, stillTracked)
}

package scan

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	goclamd "github.com/dutchcoders/go-clamd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ipsix/avsweep/internal/engine"
	"github.com/ipsix/avsweep/internal/engine/clamd"
	"github.com/ipsix/avsweep/internal/engine/enginetest"
	"github.com/ipsix/avsweep/internal/engine/native"
	"github.com/ipsix/avsweep/internal/walker"
)

const eicar = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

func mustWalker(t *testing.T, root string) *walker.Walker {
	t.Helper()
	w, err := walker.New(root, walker.Options{})
	require.NoError(t, err)
	return w
}

// corpus writes clean files plus the given special contents.
func corpus(t *testing.T, clean int, special ...string) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < clean; i++ {
		write(t, dir, fmt.Sprintf("clean-%02d.txt", i), fmt.Sprintf("clean file number %d", i))
	}
	for i, content := range special {
		write(t, dir, fmt.Sprintf("special-%02d.bin", i), content)
	}
	return dir
}

func TestRunCountsAndOutcome(t *testing.T) {
	c := &enginetest.Capability{Patterns: map[string]string{"EVIL": "Test.Evil"}, Signatures: 7}
	dir := corpus(t, 5, "xxEVILxx")
	var results []Result

	report := Run(context.Background(), Config{
		Capability: c,
		Database:   "/db",
		Options:    engine.DefaultOptions(),
		Walker:     mustWalker(t, dir),
		OnResult:   func(r Result) { results = append(results, r) },
	})

	require.NoError(t, report.Err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "fake", report.Backend)
	assert.Equal(t, OutcomeInfected, report.Outcome)
	assert.Equal(t, 1, report.ExitCode())
	assert.Equal(t, uint(7), report.Stats.SignaturesLoaded)
	assert.Equal(t, uint64(6), report.Stats.FilesScanned)
	assert.Equal(t, uint64(1), report.Stats.FilesInfected)
	assert.Len(t, results, 6)
	assert.Equal(t, 1, c.Releases())
	assert.Equal(t, 0, c.Instances()[0].ScansAfterRelease())
}

func TestRunCleanDirectory(t *testing.T) {
	c := &enginetest.Capability{}
	report := Run(context.Background(), Config{Capability: c, Walker: mustWalker(t, corpus(t, 3))})
	assert.Equal(t, OutcomeOK, report.Outcome)
	assert.Equal(t, 0, report.ExitCode())
	assert.Equal(t, 1, c.Releases())

	empty := Run(context.Background(), Config{Capability: c, Walker: mustWalker(t, t.TempDir())})
	assert.Equal(t, OutcomeOK, empty.Outcome)
	assert.Equal(t, uint64(0), empty.Stats.Enumerated())
}

func TestRunReleasesOnEveryPath(t *testing.T) {
	cases := map[string]struct {
		cap     *enginetest.Capability
		root    func(t *testing.T) string
		outcome Outcome
	}{
		"load failure": {
			cap:     &enginetest.Capability{LoadErr: errors.New("no database")},
			root:    func(t *testing.T) string { return corpus(t, 1) },
			outcome: OutcomeEngineError,
		},
		"compile failure": {
			cap:     &enginetest.Capability{CompileErr: errors.New("bad bytecode")},
			root:    func(t *testing.T) string { return corpus(t, 1) },
			outcome: OutcomeEngineError,
		},
		"abort on engine error": {
			cap:     &enginetest.Capability{FailMarker: "BROKEN"},
			root:    func(t *testing.T) string { return corpus(t, 4, "BROKEN") },
			outcome: OutcomeEngineError,
		},
		"inaccessible directory": {
			cap:     &enginetest.Capability{},
			root:    func(t *testing.T) string { return filepath.Join(t.TempDir(), "missing") },
			outcome: OutcomeDirectoryInaccessible,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			report := Run(context.Background(), Config{Capability: tc.cap, Walker: mustWalker(t, tc.root(t))})
			require.Error(t, report.Err)
			assert.Equal(t, tc.outcome, report.Outcome)
			assert.Equal(t, 1, tc.cap.Releases())
		})
	}
}

func TestRunInitializationFailure(t *testing.T) {
	c := &enginetest.Capability{NewErr: errors.New("out of memory")}
	report := Run(context.Background(), Config{Capability: c, Walker: mustWalker(t, corpus(t, 1))})
	assert.ErrorIs(t, report.Err, engine.ErrInitialization)
	assert.Equal(t, 2, report.ExitCode())
	assert.Empty(t, c.Instances())
}

func TestRunAbortStopsEnumeration(t *testing.T) {
	c := &enginetest.Capability{FailMarker: "BROKEN"}
	dir := corpus(t, 0, "BROKEN", "BROKEN", "BROKEN", "BROKEN")

	report := Run(context.Background(), Config{Capability: c, Walker: mustWalker(t, dir), Policy: PolicyAbort})
	assert.True(t, report.Aborted)
	assert.Equal(t, OutcomeEngineError, report.Outcome)
	assert.Equal(t, uint64(1), report.Stats.EngineErrors)
	assert.Equal(t, uint64(1), report.Stats.FilesScanned)
	assert.Equal(t, 1, c.Instances()[0].Scans())
	assert.Contains(t, report.Err.Error(), "CL_EFORMAT")
}

func TestRunContinuePolicy(t *testing.T) {
	c := &enginetest.Capability{FailMarker: "BROKEN", Patterns: map[string]string{"EVIL": "Test.Evil"}}
	dir := corpus(t, 3, "BROKEN", "BROKEN", "EVIL")

	report := Run(context.Background(), Config{Capability: c, Walker: mustWalker(t, dir), Policy: PolicyContinue})
	assert.NoError(t, report.Err)
	assert.False(t, report.Aborted)
	assert.Equal(t, uint64(6), report.Stats.FilesScanned)
	assert.Equal(t, uint64(2), report.Stats.EngineErrors)
	assert.Equal(t, uint64(1), report.Stats.FilesInfected)
	assert.Equal(t, OutcomeEngineError, report.Outcome)
	assert.Equal(t, 2, report.ExitCode())
}

func TestRunTotalsIndependentOfWorkers(t *testing.T) {
	dir := corpus(t, 40, "EVIL one", "EVIL two", "EVIL three")
	var baseline Stats
	for _, workers := range []int{1, 2, 8} {
		c := &enginetest.Capability{Patterns: map[string]string{"EVIL": "Test.Evil"}}
		var calls atomic.Int32
		report := Run(context.Background(), Config{
			Capability: c,
			Walker:     mustWalker(t, dir),
			Workers:    workers,
			OnResult:   func(Result) { calls.Add(1) },
		})
		require.NoError(t, report.Err)
		assert.Equal(t, int32(43), calls.Load())
		assert.LessOrEqual(t, c.Instances()[0].MaxInFlight(), workers)
		if workers == 1 {
			baseline = report.Stats
			continue
		}
		assert.Equal(t, baseline, report.Stats, "workers=%d", workers)
	}
	assert.Equal(t, uint64(43), baseline.FilesScanned)
	assert.Equal(t, uint64(3), baseline.FilesInfected)
}

func TestRunUnreadableFiles(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	dir := corpus(t, 0, "a", "b")
	for _, name := range []string{"special-00.bin", "special-01.bin"} {
		require.NoError(t, os.Chmod(filepath.Join(dir, name), 0o000))
	}
	c := &enginetest.Capability{}
	report := Run(context.Background(), Config{Capability: c, Walker: mustWalker(t, dir)})
	assert.Equal(t, uint64(2), report.Stats.FilesUnreadable)
	assert.Equal(t, uint64(0), report.Stats.FilesScanned)
	assert.Equal(t, OutcomeUnreadable, report.Outcome)
	assert.Equal(t, 3, report.ExitCode())
}

func TestRunCancelled(t *testing.T) {
	c := &enginetest.Capability{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := Run(ctx, Config{Capability: c, Walker: mustWalker(t, corpus(t, 3))})
	assert.ErrorIs(t, report.Err, context.Canceled)
	assert.Equal(t, OutcomeEngineError, report.Outcome)
	assert.Equal(t, 1, c.Releases())
}

func TestRunErrorIgnoresCancelAfterWalk(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, runError(ctx, nil, nil))

	err := runError(ctx, nil, context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "scan interrupted")

	abort := errors.New("aborted after engine error")
	assert.Equal(t, abort, runError(ctx, abort, context.Canceled))

	inaccessible := fmt.Errorf("%w: /x", walker.ErrInaccessible)
	assert.Equal(t, inaccessible, runError(context.Background(), nil, inaccessible))
}

// stalledClamd accepts a stream but only answers once the caller aborts.
type stalledClamd struct{}

func (stalledClamd) Ping() error   { return nil }
func (stalledClamd) Reload() error { return nil }

func (stalledClamd) Version() (chan *goclamd.ScanResult, error) {
	ch := make(chan *goclamd.ScanResult)
	close(ch)
	return ch, nil
}

func (stalledClamd) ScanStream(r io.Reader, abort chan bool) (chan *goclamd.ScanResult, error) {
	_, _ = io.Copy(io.Discard, r)
	ch := make(chan *goclamd.ScanResult)
	go func() {
		<-abort
		close(ch)
	}()
	return ch, nil
}

func TestRunScanTimeoutUnblocksStalledClamd(t *testing.T) {
	capability := clamd.New("tcp://clamd:3310", nil).WithDialer(func(string) clamd.Client { return stalledClamd{} })
	var results []Result
	done := make(chan Report, 1)
	go func() {
		done <- Run(context.Background(), Config{
			Capability:  capability,
			Walker:      mustWalker(t, corpus(t, 1)),
			Policy:      PolicyContinue,
			ScanTimeout: 100 * time.Millisecond,
			OnResult:    func(r Result) { results = append(results, r) },
		})
	}()

	select {
	case report := <-done:
		assert.Equal(t, OutcomeEngineError, report.Outcome)
		assert.Equal(t, uint64(1), report.Stats.FilesScanned)
		assert.Equal(t, uint64(1), report.Stats.EngineErrors)
		require.Len(t, results, 1)
		assert.Contains(t, results[0].Message, "timed out")
	case <-time.After(5 * time.Second):
		t.Fatal("run still blocked on a stalled clamd")
	}
}

func TestRunNativeEngineDetectsEICAR(t *testing.T) {
	sigs := t.TempDir()
	write(t, sigs, "test.ndb", "Eicar-Test-Signature:0:0:"+hex.EncodeToString([]byte(eicar))+"\n")
	dir := corpus(t, 2, eicar)

	var infected []Result
	report := Run(context.Background(), Config{
		Capability: native.New(nil),
		Database:   sigs,
		Options:    engine.DefaultOptions(),
		Walker:     mustWalker(t, dir),
		OnResult: func(r Result) {
			if r.Kind == Infected {
				infected = append(infected, r)
			}
		},
	})
	require.NoError(t, report.Err)
	require.Len(t, infected, 1)
	assert.Equal(t, "Eicar-Test-Signature", infected[0].Signature)
	assert.Equal(t, filepath.Join(dir, "special-00.bin"), infected[0].Path)
	assert.Equal(t, uint(1), report.Summary.SignaturesLoaded)
	assert.Equal(t, OutcomeInfected, report.Outcome)
}

func TestRunRecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp, "fake")
	require.NoError(t, err)

	c := &enginetest.Capability{Patterns: map[string]string{"EVIL": "Test.Evil"}, FailMarker: "BROKEN", ProcessedOverride: 10}
	report := Run(context.Background(), Config{
		Capability: c,
		Walker:     mustWalker(t, corpus(t, 2, "EVIL", "BROKEN")),
		Policy:     PolicyContinue,
		Metrics:    m,
	})
	require.NoError(t, report.Err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			sum, ok := metric.Data.(metricdata.Sum[int64])
			require.True(t, ok, metric.Name)
			for _, dp := range sum.DataPoints {
				totals[metric.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(4), totals["avsweep.files.scanned"])
	assert.Equal(t, int64(1), totals["avsweep.files.infected"])
	assert.Equal(t, int64(1), totals["avsweep.scan.errors"])
	assert.Equal(t, int64(40), totals["avsweep.bytes.scanned"])
}

func TestClassifyPrecedence(t *testing.T) {
	inaccessible := fmt.Errorf("%w: /x", walker.ErrInaccessible)
	assert.Equal(t, OutcomeEngineError, Classify(Stats{EngineErrors: 1, FilesInfected: 1}, inaccessible))
	assert.Equal(t, OutcomeDirectoryInaccessible, Classify(Stats{}, inaccessible))
	assert.Equal(t, OutcomeInfected, Classify(Stats{FilesScanned: 2, FilesInfected: 1, FilesUnreadable: 3}, nil))
	assert.Equal(t, OutcomeUnreadable, Classify(Stats{FilesUnreadable: 3}, nil))
	assert.Equal(t, OutcomeOK, Classify(Stats{FilesScanned: 1, FilesUnreadable: 3}, nil))
	assert.Equal(t, OutcomeOK, Classify(Stats{}, nil))

	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyAbort, p)
	p, err = ParsePolicy("Continue")
	require.NoError(t, err)
	assert.Equal(t, PolicyContinue, p)
	_, err = ParsePolicy("ignore")
	assert.Error(t, err)
}

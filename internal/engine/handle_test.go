package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipsix/avsweep/internal/engine"
	"github.com/ipsix/avsweep/internal/engine/enginetest"
)

func readyHandle(t *testing.T, c *enginetest.Capability) *engine.Handle {
	t.Helper()
	h, err := engine.Initialize(c)
	require.NoError(t, err)
	_, err = h.LoadAndCompile("/db", engine.DefaultOptions())
	require.NoError(t, err)
	return h
}

func TestInitializeFailure(t *testing.T) {
	c := &enginetest.Capability{NewErr: errors.New("out of memory")}
	h, err := engine.Initialize(c)
	require.Error(t, err)
	assert.Nil(t, h)
	assert.ErrorIs(t, err, engine.ErrInitialization)
	assert.Equal(t, engine.KindInitialization, engine.KindOf(err))
	assert.Contains(t, err.Error(), "out of memory")
}

func TestInitializeNilCapability(t *testing.T) {
	_, err := engine.Initialize(nil)
	assert.ErrorIs(t, err, engine.ErrInitialization)
}

func TestLoadAndCompileSuccess(t *testing.T) {
	c := &enginetest.Capability{Signatures: 42}
	h, err := engine.Initialize(c)
	require.NoError(t, err)
	defer h.Teardown()

	opts := engine.DefaultOptions()
	sigs, err := h.LoadAndCompile("/var/lib/sigs", opts)
	require.NoError(t, err)
	assert.Equal(t, uint(42), sigs)
	assert.True(t, h.Ready())
	assert.Equal(t, opts, h.Options())

	inst := c.Instances()[0]
	assert.Equal(t, "/var/lib/sigs", inst.Location())
	assert.Equal(t, 1, inst.Loads())
	assert.Equal(t, 1, inst.Compiles())
}

type countedCapability struct{ *enginetest.Capability }

func (c countedCapability) New() (engine.Instance, error) {
	inst, err := c.Capability.New()
	if err != nil {
		return nil, err
	}
	return countedInstance{inst.(*enginetest.Instance)}, nil
}

type countedInstance struct{ *enginetest.Instance }

func (countedInstance) CompiledSignatures() uint { return 99 }

func TestCompiledCountOverridesLoadCount(t *testing.T) {
	c := &enginetest.Capability{Signatures: 3}
	h, err := engine.Initialize(countedCapability{c})
	require.NoError(t, err)
	defer h.Teardown()

	sigs, err := h.LoadAndCompile("/db", engine.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, uint(99), sigs)
	assert.Equal(t, uint(99), h.Signatures())
}

func TestLoadFailureReleasesHandle(t *testing.T) {
	c := &enginetest.Capability{LoadErr: errors.New("no such database")}
	h, err := engine.Initialize(c)
	require.NoError(t, err)

	_, err = h.LoadAndCompile("/missing", engine.DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrDatabaseLoad)
	assert.Contains(t, err.Error(), "no such database")
	assert.Equal(t, 1, c.Releases())
	assert.Equal(t, 0, c.Instances()[0].Compiles())

	// The deferred teardown on the error path must not release twice.
	require.NoError(t, h.Teardown())
	assert.Equal(t, 1, c.Releases())
}

func TestCompileFailureReleasesHandle(t *testing.T) {
	c := &enginetest.Capability{CompileErr: errors.New("bad bytecode")}
	h, err := engine.Initialize(c)
	require.NoError(t, err)

	_, err = h.LoadAndCompile("/db", engine.DefaultOptions())
	assert.ErrorIs(t, err, engine.ErrCompile)
	assert.Equal(t, 1, c.Releases())

	_, err = h.Scan(context.Background(), enginetest.NewStream("a", []byte("x")))
	assert.ErrorIs(t, err, engine.ErrReleased)
}

func TestScanBeforeLoad(t *testing.T) {
	c := &enginetest.Capability{}
	h, err := engine.Initialize(c)
	require.NoError(t, err)
	defer h.Teardown()

	_, err = h.Scan(context.Background(), enginetest.NewStream("a", []byte("x")))
	assert.ErrorIs(t, err, engine.ErrNotReady)
	assert.Equal(t, 0, c.Instances()[0].Scans())
}

func TestLoadTwiceRejected(t *testing.T) {
	c := &enginetest.Capability{}
	h := readyHandle(t, c)
	defer h.Teardown()

	_, err := h.LoadAndCompile("/db", engine.Options{})
	assert.ErrorIs(t, err, engine.ErrAlreadyLoaded)
	assert.Equal(t, engine.DefaultOptions(), h.Options())
}

func TestScanPassesOptionsAndWrapsFailure(t *testing.T) {
	c := &enginetest.Capability{FailMarker: "BROKEN"}
	h := readyHandle(t, c)
	defer h.Teardown()

	v, err := h.Scan(context.Background(), enginetest.NewStream("ok.txt", []byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, engine.VerdictClean, v.Kind)
	assert.Equal(t, uint64(5), v.Processed)
	assert.Equal(t, engine.DefaultOptions(), c.Instances()[0].LastOptions())

	v, err = h.Scan(context.Background(), enginetest.NewStream("bad.bin", []byte("BROKEN!")))
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrScan)
	assert.Equal(t, uint64(7), v.Processed)
}

func TestTeardownReleasesExactlyOnce(t *testing.T) {
	c := &enginetest.Capability{}
	h := readyHandle(t, c)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Teardown()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, c.Releases())
	assert.False(t, h.Ready())

	_, err := h.Scan(context.Background(), enginetest.NewStream("a", nil))
	assert.ErrorIs(t, err, engine.ErrReleased)
	assert.Equal(t, 0, c.Instances()[0].ScansAfterRelease())
}

func TestTeardownReportsReleaseError(t *testing.T) {
	c := &enginetest.Capability{ReleaseErr: errors.New("busy")}
	h := readyHandle(t, c)
	err := h.Teardown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
	assert.NoError(t, h.Teardown())
}

func TestRegistry(t *testing.T) {
	reg := engine.NewRegistry()
	require.NoError(t, reg.Register(&enginetest.Capability{}))
	assert.Error(t, reg.Register(&enginetest.Capability{}))
	assert.Error(t, reg.Register(nil))

	got, err := reg.Get("fake")
	require.NoError(t, err)
	assert.Equal(t, "fake", got.Name())

	_, err = reg.Get("missing")
	assert.Error(t, err)
	assert.Equal(t, []string{"fake"}, reg.List())
}
